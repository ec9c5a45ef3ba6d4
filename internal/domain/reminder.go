package domain

import "time"

// Reminder fires once per day at SendTime (HH:MM, business timezone) for
// clients whose due date is DaysOffset days away.
type Reminder struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	TemplateID      *string    `json:"template_id,omitempty"`
	TemplateContent *string    `json:"-"`
	DaysOffset      int        `json:"days_offset"`
	SendTime        string     `json:"send_time"`
	IsActive        bool       `json:"is_active"`
	LastSentDate    *time.Time `json:"last_sent_date,omitempty"`
}

// TargetDueDate is today - DaysOffset: an offset of -3 targets clients due
// three days from today.
func (r Reminder) TargetDueDate(today time.Time) time.Time {
	return DateOf(today).AddDate(0, 0, -r.DaysOffset)
}

// SentOn reports whether the reminder was already consumed on date.
func (r Reminder) SentOn(date time.Time) bool {
	return r.LastSentDate != nil && DateOf(*r.LastSentDate).Equal(DateOf(date))
}

// DispatchSummary reports one reminder sweep.
type DispatchSummary struct {
	Message   string `json:"message"`
	Time      string `json:"time"`
	Date      string `json:"date"`
	Reminders int    `json:"reminders"`
	Sent      int    `json:"sent"`
}
