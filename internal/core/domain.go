// Package core holds the domain entities shared by every service in the
// ETL monitoring platform: loaders, signals, locks, history rows, backfill
// jobs and the approval workflow records. All authoritative state lives in
// the control-plane database; these structs are the in-memory shape of it.
package core

import "time"

// ============================================================================
// ENUMS — persisted as strings in the control-plane DB
// ============================================================================

// PurgeStrategy decides what happens to pre-existing signals inside a
// reload window.
type PurgeStrategy string

const (
	PurgeAndReload  PurgeStrategy = "PURGE_AND_RELOAD"
	FailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	SkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// Valid reports whether s is a known purge strategy.
func (s PurgeStrategy) Valid() bool {
	switch s {
	case PurgeAndReload, FailOnDuplicate, SkipDuplicates:
		return true
	}
	return false
}

// LoadStatus is a coarse scheduling hint on the loader row. The
// authoritative per-run record is LoadHistory.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "IDLE"
	LoadRunning LoadStatus = "RUNNING"
	LoadFailed  LoadStatus = "FAILED"
	LoadPaused  LoadStatus = "PAUSED"
)

// ApprovalStatus gates whether an entity may be used.
type ApprovalStatus string

const (
	PendingApproval ApprovalStatus = "PENDING_APPROVAL"
	Approved        ApprovalStatus = "APPROVED"
	Rejected        ApprovalStatus = "REJECTED"
)

// VersionStatus tracks a loader row through the versioning archive.
type VersionStatus string

const (
	VersionDraft    VersionStatus = "DRAFT"
	VersionActive   VersionStatus = "ACTIVE"
	VersionArchived VersionStatus = "ARCHIVED"
	VersionRejected VersionStatus = "REJECTED"
)

// HistoryStatus is the outcome of one execution attempt.
type HistoryStatus string

const (
	HistoryRunning HistoryStatus = "RUNNING"
	HistorySuccess HistoryStatus = "SUCCESS"
	HistoryFailed  HistoryStatus = "FAILED"
	HistoryPartial HistoryStatus = "PARTIAL"
)

// BackfillStatus is the lifecycle of a backfill job.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "PENDING"
	BackfillRunning   BackfillStatus = "RUNNING"
	BackfillSuccess   BackfillStatus = "SUCCESS"
	BackfillFailed    BackfillStatus = "FAILED"
	BackfillCancelled BackfillStatus = "CANCELLED"
)

// EntityType identifies what an approval request is about. Only LOADER has
// a materializer in this core; the workflow itself is generic.
type EntityType string

const (
	EntityLoader    EntityType = "LOADER"
	EntityDashboard EntityType = "DASHBOARD"
	EntityIncident  EntityType = "INCIDENT"
	EntityChart     EntityType = "CHART"
	EntityAlertRule EntityType = "ALERT_RULE"
)

// RequestType distinguishes create from update approvals.
type RequestType string

const (
	RequestCreate RequestType = "CREATE"
	RequestUpdate RequestType = "UPDATE"
	RequestDelete RequestType = "DELETE"
)

// ActionType is a single transition applied to an approval request.
type ActionType string

const (
	ActionSubmit   ActionType = "SUBMIT"
	ActionApprove  ActionType = "APPROVE"
	ActionReject   ActionType = "REJECT"
	ActionResubmit ActionType = "RESUBMIT"
	ActionRevoke   ActionType = "REVOKE"
)

// DBType is a supported source database flavor.
type DBType string

const (
	MySQL      DBType = "MYSQL"
	PostgreSQL DBType = "POSTGRESQL"
)

// ============================================================================
// ENTITIES
// ============================================================================

// Loader is the schedulable unit: a source query, a schedule, and a
// time-series target. SQL is stored encrypted at rest.
type Loader struct {
	ID                        int64          `json:"id"`
	LoaderCode                string         `json:"loader_code"`
	SQL                       string         `json:"sql"` // decrypted in memory
	SourceDatabaseID          int64          `json:"source_database_id"`
	MinIntervalSeconds        int            `json:"min_interval_seconds"`
	MaxIntervalSeconds        int            `json:"max_interval_seconds"`
	MaxQueryPeriodSeconds     int            `json:"max_query_period_seconds"`
	MaxParallelExecutions     int            `json:"max_parallel_executions"`
	PurgeStrategy             PurgeStrategy  `json:"purge_strategy"`
	SourceTimezoneOffsetHours int            `json:"source_timezone_offset_hours"`
	AggregationPeriodSeconds  *int           `json:"aggregation_period_seconds,omitempty"`
	LastLoadTimestamp         *time.Time     `json:"last_load_timestamp,omitempty"`
	FailedSince               *time.Time     `json:"failed_since,omitempty"`
	ConsecutiveZeroRecordRuns int            `json:"consecutive_zero_record_runs"`
	LoadStatus                LoadStatus     `json:"load_status"`
	Enabled                   bool           `json:"enabled"`
	ApprovalStatus            ApprovalStatus `json:"approval_status"`
	VersionNumber             int            `json:"version_number"`
	ParentVersionID           *int64         `json:"parent_version_id,omitempty"`
	VersionStatus             VersionStatus  `json:"version_status"`
	Description               string         `json:"description,omitempty"`
	CreatedBy                 string         `json:"created_by,omitempty"`
	CreatedAt                 time.Time      `json:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// SourceDatabase is a connection target for loader queries. Password is
// encrypted at rest.
type SourceDatabase struct {
	ID       int64  `json:"id"`
	DBCode   string `json:"db_code"`
	DBType   DBType `json:"db_type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	UserName string `json:"user_name"`
	Password string `json:"-"` // decrypted in memory, never serialized
}

// SignalHistory is one aggregated time-series record. Semantic key:
// (LoaderCode, LoadTimestamp, SegmentCode).
type SignalHistory struct {
	ID            int64     `json:"id"`
	LoaderCode    string    `json:"loader_code"`
	LoadTimestamp int64     `json:"load_timestamp"` // epoch seconds, UTC
	SegmentCode   int       `json:"segment_code"`
	RecCount      int64     `json:"rec_count"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Avg           float64   `json:"avg"`
	Sum           float64   `json:"sum"`
	CreateTime    time.Time `json:"create_time"`
}

// SegmentCombination maps a tuple of up to ten nullable segment strings to
// a dense per-loader integer code.
type SegmentCombination struct {
	ID          int64       `json:"id"`
	LoaderCode  string      `json:"loader_code"`
	SegmentCode int         `json:"segment_code"`
	Segments    [10]*string `json:"segments"`
}

// ExecutionLock is a short-lived DB row bounding parallel executions of a
// loader across replicas.
type ExecutionLock struct {
	LockID      string     `json:"lock_id"` // uuid
	LoaderCode  string     `json:"loader_code"`
	ReplicaName string     `json:"replica_name"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	Released    bool       `json:"released"`
}

// LoadHistory records one execution attempt. QueryFrom/To is the window the
// loader asked for; ActualFrom/To is what the rows actually covered (nil
// when zero rows came back).
type LoadHistory struct {
	ID              int64         `json:"id"`
	LoaderCode      string        `json:"loader_code"`
	ReplicaName     string        `json:"replica_name"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	QueryFromTime   time.Time     `json:"query_from_time"`
	QueryToTime     time.Time     `json:"query_to_time"`
	ActualFromTime  *time.Time    `json:"actual_from_time,omitempty"`
	ActualToTime    *time.Time    `json:"actual_to_time,omitempty"`
	RecordsLoaded   int64         `json:"records_loaded"`
	RecordsIngested int64         `json:"records_ingested"`
	Status          HistoryStatus `json:"status"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// BackfillJob is a manual or scanner-submitted reload of a time range.
type BackfillJob struct {
	ID              int64          `json:"id"`
	LoaderCode      string         `json:"loader_code"`
	FromEpoch       int64          `json:"from_epoch"`
	ToEpoch         int64          `json:"to_epoch"`
	PurgeStrategy   PurgeStrategy  `json:"purge_strategy"`
	Status          BackfillStatus `json:"status"`
	RequestedBy     string         `json:"requested_by"`
	RequestedAt     time.Time      `json:"requested_at"`
	ReplicaName     string         `json:"replica_name,omitempty"`
	StartTime       *time.Time     `json:"start_time,omitempty"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	RecordsPurged   int64          `json:"records_purged"`
	RecordsLoaded   int64          `json:"records_loaded"`
	RecordsIngested int64          `json:"records_ingested"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// DurationSeconds returns end−start in whole seconds, or 0 while running.
func (j *BackfillJob) DurationSeconds() int64 {
	if j.StartTime == nil || j.EndTime == nil {
		return 0
	}
	return int64(j.EndTime.Sub(*j.StartTime).Seconds())
}

// ApprovalRequest gates a change to an entity. At most one row may be
// PENDING_APPROVAL per (EntityType, EntityID).
type ApprovalRequest struct {
	ID             int64          `json:"id"`
	EntityType     EntityType     `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	RequestType    RequestType    `json:"request_type"`
	RequestData    string         `json:"request_data"` // JSON draft of the entity
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    time.Time      `json:"requested_at"`
	Materialized   bool           `json:"materialized"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ApprovalAction is an immutable record of one workflow transition.
type ApprovalAction struct {
	ID             int64          `json:"id"`
	RequestID      int64          `json:"request_id"`
	ActionType     ActionType     `json:"action_type"`
	ActionBy       string         `json:"action_by"`
	ActionAt       time.Time      `json:"action_at"`
	PreviousStatus ApprovalStatus `json:"previous_status"`
	NewStatus      ApprovalStatus `json:"new_status"`
	Justification  string         `json:"justification,omitempty"`
}

// LoaderArchive is an immutable prior version of a loader. SourceDatabaseID
// is denormalized so the archived row survives source deletion.
type LoaderArchive struct {
	ID               int64         `json:"id"`
	LoaderCode       string        `json:"loader_code"`
	VersionNumber    int           `json:"version_number"`
	SourceDatabaseID int64         `json:"source_database_id"`
	SQL              string        `json:"-"`
	VersionStatus    VersionStatus `json:"version_status"`
	ArchivedAt       time.Time     `json:"archived_at"`
	ArchivedBy       string        `json:"archived_by,omitempty"`
	ArchiveReason    string        `json:"archive_reason,omitempty"`
	RejectedBy       string        `json:"rejected_by,omitempty"`
	RejectedAt       *time.Time    `json:"rejected_at,omitempty"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
	SnapshotJSON     string        `json:"snapshot,omitempty"` // full loader row at archive time
}

// ConfigPlan is a named key-value configuration set. At most one plan per
// Parent has IsActive=true.
type ConfigPlan struct {
	ID          int64     `json:"id"`
	Parent      string    `json:"parent"`
	PlanName    string    `json:"plan_name"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConfigValue is one entry of a plan.
type ConfigValue struct {
	ID     int64  `json:"id"`
	PlanID int64  `json:"plan_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// APIEndpoint is registry metadata for a discovered HTTP route. Not on the
// critical path.
type APIEndpoint struct {
	ID           int64     `json:"id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Description  string    `json:"description,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// ExecutionOutcome is the post-execution loader state update applied as
// one atomic statement.
type ExecutionOutcome struct {
	LoaderCode   string
	Succeeded    bool
	ZeroRecords  bool
	AdvanceTo    time.Time // actualTo on rows, queryTo on zero rows
	FailedAtTime time.Time
}

// TimeWindow is the [From, To) pair passed to the source SQL via
// placeholders. From < To always.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration { return w.To.Sub(w.From) }

// Principal is the identity handed to us by the authentication
// collaborator: a username plus its role set.
type Principal struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleAdmin is required for write and approval operations.
const RoleAdmin = "ADMIN"
