package procurement

// VisualStatus projects the status shown to users from the header and its lines.
// It never writes anything back; the stored header status only changes through
// Transition.
func VisualStatus(order SupplierOrder) OrderStatus {
	if order.Status == OrderStatusCancelled || len(order.Lines) == 0 {
		return order.Status
	}
	allReceived := true
	anyReceived := false
	for _, line := range order.Lines {
		if line.LineStatus == LineStatusIncident {
			return OrderStatusIncident
		}
		if line.QuantityReceived > 0 {
			anyReceived = true
		}
		if line.LineStatus != LineStatusReceived {
			allReceived = false
		}
	}
	switch {
	case allReceived:
		return OrderStatusReceived
	case anyReceived:
		return OrderStatusPartiallyReceived
	default:
		return order.Status
	}
}
