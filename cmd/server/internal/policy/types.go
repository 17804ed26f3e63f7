package policy

import (
	"time"

	"github.com/testexechq/control-plane/internal/types"
)

// ContainerLimits are Kubernetes resource strings ("500m", "1Gi").
type ContainerLimits struct {
	CPULimit      string `yaml:"cpuLimit"      json:"cpuLimit"`
	MemoryLimit   string `yaml:"memoryLimit"   json:"memoryLimit"`
	CPURequest    string `yaml:"cpuRequest"    json:"cpuRequest"`
	MemoryRequest string `yaml:"memoryRequest" json:"memoryRequest"`
}

type ResourceManagement struct {
	MaxConcurrentJobsPerLob  int             `yaml:"maxConcurrentJobsPerLob"  json:"maxConcurrentJobsPerLob"`
	MaxConcurrentJobsPerTeam int             `yaml:"maxConcurrentJobsPerTeam" json:"maxConcurrentJobsPerTeam"`
	DefaultJobTimeoutMinutes int             `yaml:"defaultJobTimeoutMinutes" json:"defaultJobTimeoutMinutes"`
	DefaultContainerLimits   ContainerLimits `yaml:"defaultContainerLimits"   json:"defaultContainerLimits"`
	AutoCleanupJobs          bool            `yaml:"autoCleanupJobs"          json:"autoCleanupJobs"`
	CleanupAfterHours        int             `yaml:"cleanupAfterHours"        json:"cleanupAfterHours"`
}

type Retention struct {
	TestResultsRetentionDays int `yaml:"testResultsRetentionDays" json:"testResultsRetentionDays"`
	JobHistoryRetentionDays  int `yaml:"jobHistoryRetentionDays"  json:"jobHistoryRetentionDays"`
	MaxTestResultFileSizeMB  int `yaml:"maxTestResultFileSizeMb"  json:"maxTestResultFileSizeMb"`
}

type ClusterSettings struct {
	SystemNamespace    string   `yaml:"systemNamespace"    json:"systemNamespace"`
	LobNamespacePrefix string   `yaml:"lobNamespacePrefix" json:"lobNamespacePrefix"`
	NodePools          []string `yaml:"nodePools"          json:"nodePools"`
}

type RateLimits struct {
	GlobalPerMinute int64 `yaml:"globalPerMinute" json:"globalPerMinute"`
	SubmitPerMinute int64 `yaml:"submitPerMinute" json:"submitPerMinute"`
}

type AlertRule struct {
	ID                string              `yaml:"id"                json:"id"`
	Name              string              `yaml:"name"              json:"name"`
	Description       string              `yaml:"description"       json:"description"`
	Metric            string              `yaml:"metric"            json:"metric"`
	Threshold         float64             `yaml:"threshold"         json:"threshold"`
	Operator          types.AlertOperator `yaml:"operator"          json:"operator"`
	TimeWindowMinutes int                 `yaml:"timeWindowMinutes" json:"timeWindowMinutes"`
	Severity          types.AlertSeverity `yaml:"severity"          json:"severity"`
	Enabled           bool                `yaml:"enabled"           json:"enabled"`
	Dimensions        map[string]string   `yaml:"dimensions"        json:"dimensions"`
}

type NotificationSettings struct {
	EmailEnabled         bool                `yaml:"emailEnabled"         json:"emailEnabled"`
	EmailRecipients      []string            `yaml:"emailRecipients"      json:"emailRecipients"`
	EmailMinimumSeverity types.AlertSeverity `yaml:"emailMinimumSeverity" json:"emailMinimumSeverity"`
	WebhookEnabled       bool                `yaml:"webhookEnabled"       json:"webhookEnabled"`
	WebhookURLs          []string            `yaml:"webhookUrls"          json:"webhookUrls"`
}

type Alerts struct {
	Rules         []AlertRule          `yaml:"rules"         json:"rules"`
	Notifications NotificationSettings `yaml:"notifications" json:"notifications"`
}

// AdminConfiguration is the singleton policy document that bounds all
// tenant behavior. Persisted as a YAML blob; identity and timestamps are
// applied from the row, never from the blob.
type AdminConfiguration struct {
	ID                 string             `yaml:"-"                  json:"id"`
	Name               string             `yaml:"name"               json:"name"`
	ResourceManagement ResourceManagement `yaml:"resourceManagement" json:"resourceManagement"`
	Retention          Retention          `yaml:"retention"          json:"retention"`
	Cluster            ClusterSettings    `yaml:"cluster"            json:"cluster"`
	RateLimits         RateLimits         `yaml:"rateLimits"         json:"rateLimits"`
	Alerts             Alerts             `yaml:"alerts"             json:"alerts"`
	CreatedAt          time.Time          `yaml:"-"                  json:"createdAt"`
	UpdatedAt          time.Time          `yaml:"-"                  json:"updatedAt"`
}

// Compiled-in fallback used before the policy store is reachable.
const DefaultNamespacePrefix = "testexec-"

func DefaultAdminConfiguration() AdminConfiguration {
	return AdminConfiguration{
		Name: "default",
		ResourceManagement: ResourceManagement{
			MaxConcurrentJobsPerLob:  20,
			MaxConcurrentJobsPerTeam: 10,
			DefaultJobTimeoutMinutes: 30,
			DefaultContainerLimits: ContainerLimits{
				CPULimit:      "1",
				MemoryLimit:   "1Gi",
				CPURequest:    "250m",
				MemoryRequest: "256Mi",
			},
			AutoCleanupJobs:   true,
			CleanupAfterHours: 24,
		},
		Retention: Retention{
			TestResultsRetentionDays: 30,
			JobHistoryRetentionDays:  90,
			MaxTestResultFileSizeMB:  10,
		},
		Cluster: ClusterSettings{
			SystemNamespace:    "testexec-system",
			LobNamespacePrefix: DefaultNamespacePrefix,
		},
		RateLimits: RateLimits{
			GlobalPerMinute: 0,
			SubmitPerMinute: 0,
		},
		Alerts: Alerts{
			Rules: []AlertRule{
				{
					ID:                "high-fail-rate",
					Name:              "High test failure rate",
					Metric:            "TestExecution.FailRate",
					Threshold:         50,
					Operator:          types.OperatorGreaterThan,
					TimeWindowMinutes: 60,
					Severity:          types.SeverityWarning,
					Enabled:           true,
				},
			},
			Notifications: NotificationSettings{
				EmailMinimumSeverity: types.SeverityCritical,
			},
		},
	}
}

type UserJobDefaults struct {
	EnvVars        map[string]string `yaml:"envVars"        json:"envVars"`
	Limits         ContainerLimits   `yaml:"limits"         json:"limits"`
	TimeoutMinutes int               `yaml:"timeoutMinutes" json:"timeoutMinutes"`
}

type UserScheduleStub struct {
	Name          string `yaml:"name"          json:"name"`
	ScheduleType  string `yaml:"scheduleType"  json:"scheduleType"`
	TimeOfDay     string `yaml:"timeOfDay"     json:"timeOfDay"`
	RepoURL       string `yaml:"repoUrl"       json:"repoUrl"`
	TestImageType string `yaml:"testImageType" json:"testImageType"`
}

// UserConfiguration carries per-user job-shape overrides, bounded by the
// admin caps. Identity fields are server assigned; the YAML body cannot
// forge them.
type UserConfiguration struct {
	ID        string            `yaml:"-"        json:"id"`
	LobID     string            `yaml:"-"        json:"lobId"`
	TeamID    string            `yaml:"-"        json:"teamId"`
	UserID    string            `yaml:"-"        json:"userId"`
	Name      string            `yaml:"name"     json:"name"`
	Job       UserJobDefaults   `yaml:"job"      json:"job"`
	Schedule  *UserScheduleStub `yaml:"schedule" json:"schedule,omitempty"`
	CreatedAt time.Time         `yaml:"-"        json:"createdAt"`
}
