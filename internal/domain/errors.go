package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отсутствующего идентификатора товара.
	ErrItemIDRequired = errors.New("item_id is required")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// ErrAmountOverflow — сумма заказа не помещается в int64.
	ErrAmountOverflow = errors.New("order amount overflows")
	// Ошибка отсутствующего склада у заказа.
	ErrDepotRequired = errors.New("depot_id is required")
	// Ошибка отрицательного остатка при ручной установке стока.
	ErrStockNegative = errors.New("stock quantity must be non-negative")
	// Неизвестный способ оплаты.
	ErrPaymentModeInvalid = errors.New("payment mode must be cash or online")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrDepotNotFound возвращается, если склад не найден.
	ErrDepotNotFound = errors.New("depot not found")
	// ErrAddressNotFound возвращается, если адрес доставки не найден.
	ErrAddressNotFound = errors.New("address not found")
	// ErrNoCoordinates означает, что у адреса нет координат.
	ErrNoCoordinates = errors.New("address has no coordinates")
	// ErrReceiptNotFound — подтверждение оплаты пришло для неизвестной квитанции.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrPaymentNotRetryable — заказ не ждёт повторной оплаты.
	ErrPaymentNotRetryable = errors.New("order payment cannot be retried")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrTimelineEventInvalid — запись таймлайна без заказа или с неизвестным типом.
	ErrTimelineEventInvalid = errors.New("invalid timeline event")
)

// Таксономия ошибок оформления и сопровождения заказа.
var (
	// ErrInvalidAddress — адрес не найден, без координат или координаты вне диапазона.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNoEligibleDepot — нет ни одного активного склада с координатами.
	ErrNoEligibleDepot = errors.New("no eligible depot")
	// ErrInsufficientStock — на складе не хватает товара; конкретная позиция в InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrProcessorUnavailable — платёжный провайдер недоступен, можно повторить.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	// ErrForged — подпись подтверждения оплаты не прошла проверку.
	ErrForged = errors.New("forged payment confirmation")
	// ErrInvalidTransition — переход статуса не разрешён автоматом.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrForbidden — у инициатора нет прав на действие с заказом.
	ErrForbidden = errors.New("forbidden")
	// ErrStoreUnavailable — хранилище недоступно, можно повторить.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InsufficientStockError указывает позицию, которой не хватило на складе.
type InsufficientStockError struct {
	DepotID   string
	ItemID    string
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: item %s at depot %s (requested %d)", e.ItemID, e.DepotID, e.Requested)
}

// Is позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// TransitionError несёт текущий статус заказа при отклонённом переходе.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StoreError оборачивает ошибку драйвера хранилища в ErrStoreUnavailable.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsRetryable сообщает, имеет ли смысл повторить операцию позже.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrProcessorUnavailable)
}
