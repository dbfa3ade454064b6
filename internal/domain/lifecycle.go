package domain

// ActorRole — роль инициатора перехода.
type ActorRole string

const (
	ActorCustomer ActorRole = "customer"
	ActorOperator ActorRole = "operator"
	// ActorSystem — внутренние процессы (например, подтверждение доставки курьерской службой).
	ActorSystem ActorRole = "system"
)

// Actor — аутентифицированный инициатор действия. Аутентификация выполняется снаружи.
type Actor struct {
	ID   string
	Role ActorRole
	// DepotID заполнен у операторов склада.
	DepotID string
}

type edge struct {
	from OrderStatus
	to   OrderStatus
}

// Разрешённые переходы и роли, которым они доступны.
var transitions = map[edge][]ActorRole{
	{OrderStatusPending, OrderStatusAccepted}:  {ActorOperator, ActorSystem},
	{OrderStatusPending, OrderStatusCancelled}: {ActorOperator, ActorCustomer, ActorSystem},
	{OrderStatusAccepted, OrderStatusShipped}:  {ActorOperator, ActorSystem},
	{OrderStatusShipped, OrderStatusDelivered}: {ActorOperator, ActorSystem},
}

// CanTransition сообщает, есть ли ребро from -> to в автомате.
func CanTransition(from, to OrderStatus) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Transition применяет автомат статусов заказа.
// Повтор уже применённого перехода возвращает текущий статус без изменений,
// если role могла бы в этот статус перевести.
func Transition(orderID string, from, to OrderStatus, role ActorRole) (OrderStatus, bool, error) {
	if from == to {
		return from, false, repeatError(orderID, to, role)
	}
	roles, ok := transitions[edge{from, to}]
	if !ok {
		return from, false, &TransitionError{OrderID: orderID, From: from, To: to}
	}
	if hasRole(roles, role) {
		return to, true, nil
	}
	return from, false, ErrForbidden
}

// repeatError проверяет повтор перехода в текущий статус to.
func repeatError(orderID string, to OrderStatus, role ActorRole) error {
	reachable := false
	for e, roles := range transitions {
		if e.to != to {
			continue
		}
		reachable = true
		if hasRole(roles, role) {
			return nil
		}
	}
	if !reachable {
		// pending — только начальный статус.
		return &TransitionError{OrderID: orderID, From: to, To: to}
	}
	return ErrForbidden
}

func hasRole(roles []ActorRole, role ActorRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
