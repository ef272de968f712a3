package calendar

import "github.com/PortNumber53/content-calendar/internal/models"

type Icon string

const (
	IconClock   Icon = "clock"
	IconSpinner Icon = "spinner"
	IconCheck   Icon = "check-circle"
	IconWarning Icon = "alert-triangle"
	IconError   Icon = "x-circle"
	IconBan     Icon = "ban"
)

// Style is how every grid renders a post of a given status.
type Style struct {
	BackgroundColor string `json:"backgroundColor"`
	BorderColor     string `json:"borderColor"`
	TextColor       string `json:"textColor"`
	Icon            Icon   `json:"icon"`
	Label           string `json:"label"`
}

var statusStyles = map[models.Status]Style{
	models.StatusScheduled:  {BackgroundColor: "#dbeafe", BorderColor: "#3b82f6", TextColor: "#1e40af", Icon: IconClock, Label: "Scheduled"},
	models.StatusPublishing: {BackgroundColor: "#fef9c3", BorderColor: "#eab308", TextColor: "#854d0e", Icon: IconSpinner, Label: "Publishing"},
	models.StatusPublished:  {BackgroundColor: "#dcfce7", BorderColor: "#22c55e", TextColor: "#166534", Icon: IconCheck, Label: "Published"},
	models.StatusPartial:    {BackgroundColor: "#ffedd5", BorderColor: "#f97316", TextColor: "#9a3412", Icon: IconWarning, Label: "Partially published"},
	models.StatusFailed:     {BackgroundColor: "#fee2e2", BorderColor: "#ef4444", TextColor: "#991b1b", Icon: IconError, Label: "Failed"},
	models.StatusCancelled:  {BackgroundColor: "#f3f4f6", BorderColor: "#9ca3af", TextColor: "#4b5563", Icon: IconBan, Label: "Cancelled"},
}

// StyleFor maps a status to its style. Unknown statuses render as scheduled.
func StyleFor(status models.Status) Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return statusStyles[models.StatusScheduled]
}
