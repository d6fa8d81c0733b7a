package checkout

const (
	TopicOrderCreated   = "checkout.order.created"
	TopicOrderCancelled = "checkout.order.cancelled"
	TopicOrderExpired   = "checkout.order.expired"
)

// Partition key = order_id so all events for one order stay ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
