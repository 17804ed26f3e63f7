package types

type ScheduleType string

const (
	ScheduleRunOnce  ScheduleType = "RunOnce"
	ScheduleInterval ScheduleType = "Interval"
	ScheduleWeekly   ScheduleType = "Weekly"
	ScheduleMonthly  ScheduleType = "Monthly"
)

type AlertSeverity string

const (
	SeverityInformation AlertSeverity = "Information"
	SeverityWarning     AlertSeverity = "Warning"
	SeverityCritical    AlertSeverity = "Critical"
)

type AlertOperator string

const (
	OperatorGreaterThan AlertOperator = "GreaterThan"
	OperatorLessThan    AlertOperator = "LessThan"
	OperatorEquals      AlertOperator = "Equals"
)
