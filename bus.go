package reconcile

// a high-level notification derived from a gateway event, delivered to
// application listeners and correlation subscribers
type Notification struct {
	Name    string
	Payload any
}

type NotifyFunction func(notification Notification)

// NotificationBus delivers emissions synchronously and in emission order.
// Subscribers must not block; long work belongs on the subscriber's side
// of a channel.
type NotificationBus struct {
	callbacks *CallbackList[NotifyFunction]
}

func NewNotificationBus() *NotificationBus {
	return &NotificationBus{
		callbacks: NewCallbackList[NotifyFunction](),
	}
}

func (self *NotificationBus) Subscribe(callback NotifyFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *NotificationBus) SubscriberCount() int {
	return self.callbacks.Count()
}

func (self *NotificationBus) Emit(notification Notification) {
	for _, callback := range self.callbacks.Get() {
		callback(notification)
	}
}
