package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var validationErrors = []error{
	domain.ErrCustomerRequired,
	domain.ErrCurrencyRequired,
	domain.ErrItemsRequired,
	domain.ErrItemQtyInvalid,
	domain.ErrItemPriceInvalid,
	domain.ErrItemIDRequired,
	domain.ErrAmountNegative,
	domain.ErrAmountMismatch,
	domain.ErrAmountOverflow,
	domain.ErrDepotRequired,
	domain.ErrStockNegative,
	domain.ErrPaymentModeInvalid,
}

// errorCode сопоставляет доменную ошибку коду gRPC.
func errorCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, domain.ErrInvalidAddress):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrNoEligibleDepot),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPaymentNotRetryable):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrDepotNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrOrderVersionConflict):
		return codes.Aborted
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrProcessorUnavailable):
		return codes.Unavailable
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return codes.InvalidArgument
		}
	}
	return codes.Internal
}

// toStatus переводит ошибку оркестратора в статус gRPC.
// details попадают в status details, если не пустые.
func toStatus(err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := errorCode(err)
	message := err.Error()
	if code == codes.Internal {
		message = "internal error"
	}

	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		if details == nil {
			details = map[string]interface{}{}
		}
		details["item_id"] = stockErr.ItemID
		details["depot_id"] = stockErr.DepotID
	}

	st := status.New(code, message)
	if len(details) == 0 {
		return st.Err()
	}
	payload, convErr := structpb.NewStruct(details)
	if convErr != nil {
		return st.Err()
	}
	withDetails, detailErr := st.WithDetails(payload)
	if detailErr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// orderDetails прикладывает текущее состояние заказа к ошибке.
func orderDetails(order domain.Order) map[string]interface{} {
	if order.ID == "" {
		return nil
	}
	return map[string]interface{}{"order": orderFields(order)}
}
