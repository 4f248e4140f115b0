package taskname

const (
	// Webhook tasks
	WebhookDeliver = "webhook:deliver"

	// License lifecycle tasks
	LicenseSweep = "license:lifecycle:sweep"
)
