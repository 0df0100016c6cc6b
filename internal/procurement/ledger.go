package procurement

import "fmt"

// Receive books quantity against the line's pending pool. The line is left
// untouched when the quantity is rejected.
func Receive(line *SupplierOrderLine, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be greater than zero, got %d", ErrInvalidQuantity, quantity)
	}
	pending := line.QuantityOrdered - line.QuantityReceived
	if quantity > pending {
		return fmt.Errorf("%w: quantity %d exceeds pending %d", ErrInvalidQuantity, quantity, pending)
	}
	line.QuantityReceived += quantity
	line.QuantityPending = line.QuantityOrdered - line.QuantityReceived
	return nil
}

// ReceiveAllPending books every pending unit of the line.
func ReceiveAllPending(line *SupplierOrderLine) error {
	return Receive(line, line.QuantityOrdered-line.QuantityReceived)
}

// PendingQuantity returns the unreceived quantity, never negative.
func PendingQuantity(line SupplierOrderLine) int {
	pending := line.QuantityOrdered - line.QuantityReceived
	if pending < 0 {
		return 0
	}
	return pending
}
