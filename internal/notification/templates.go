package notification

import "html/template"

// Template names double as the identifier logged with every dispatch.
const (
	TemplateUpcomingRenewal       = "upcoming_renewal_reminder"
	TemplatePaymentFailedRetry    = "payment_failed_retry_scheduled"
	TemplateSubscriptionCancelled = "subscription_cancelled_notice"
	TemplateSubscriptionActivated = "subscription_activated_welcome"
)

var templates = template.Must(template.New("notification").Parse(`
{{define "upcoming_renewal_reminder"}}
<p>Hi,</p>
<p>Your <b>{{.PlanName}}</b> subscription renews on <b>{{.PeriodEnd}}</b>.
We will charge {{.Amount}} to your payment method on file.</p>
<p>No action is needed if your payment details are up to date.</p>
{{end}}

{{define "payment_failed_retry_scheduled"}}
<p>Hi,</p>
<p>We could not collect payment for your <b>{{.PlanName}}</b> subscription.</p>
<p>We will retry on <b>{{.RetryAt}}</b>. Please check your payment method to
avoid an interruption of service.</p>
{{end}}

{{define "subscription_cancelled_notice"}}
<p>Hi,</p>
<p>Your <b>{{.PlanName}}</b> subscription has been cancelled{{if .Reason}} ({{.Reason}}){{end}}.</p>
<p>Your assistant will stop answering calls at the end of the paid period.</p>
{{end}}

{{define "subscription_activated_welcome"}}
<p>Welcome!</p>
<p>Your <b>{{.PlanName}}</b> subscription is now active. Your assistant is
ready to take calls, with {{.IncludedMinutes}} minutes included per period.</p>
{{end}}
`))

var subjects = map[string]string{
	TemplateUpcomingRenewal:       "Your subscription renews soon",
	TemplatePaymentFailedRetry:    "Payment failed, we will retry",
	TemplateSubscriptionCancelled: "Your subscription has been cancelled",
	TemplateSubscriptionActivated: "Your subscription is active",
}

type templateData struct {
	PlanName        string
	Amount          string
	PeriodEnd       string
	RetryAt         string
	Reason          string
	IncludedMinutes int
}
