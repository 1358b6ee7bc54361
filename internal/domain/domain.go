package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the primary lifecycle stage of an experiment.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusPreview  Status = "PREVIEW"
	StatusReview   Status = "REVIEW"
	StatusAccepted Status = "ACCEPTED"
	StatusLive     Status = "LIVE"
	StatusComplete Status = "COMPLETE"
)

// Statuses lists every lifecycle stage in lifecycle order.
var Statuses = []Status{StatusDraft, StatusPreview, StatusReview, StatusAccepted, StatusLive, StatusComplete}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

func ParseStatus(in string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(in)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", in)
	}
	return s, nil
}

// PublishStatus is the approval sub-state, orthogonal to Status.
type PublishStatus string

const (
	PublishIdle     PublishStatus = "IDLE"
	PublishReview   PublishStatus = "REVIEW"
	PublishApproved PublishStatus = "APPROVED"
	PublishWaiting  PublishStatus = "WAITING"
)

var PublishStatuses = []PublishStatus{PublishIdle, PublishReview, PublishApproved, PublishWaiting}

func (p PublishStatus) Valid() bool {
	for _, v := range PublishStatuses {
		if p == v {
			return true
		}
	}
	return false
}

func ParsePublishStatus(in string) (PublishStatus, error) {
	p := PublishStatus(strings.ToUpper(strings.TrimSpace(in)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid publish status %q", in)
	}
	return p, nil
}

// ChangeEvent is a changelog record surfaced on the experiment.
type ChangeEvent struct {
	ChangedBy string `json:"changedBy"`
	ChangedOn string `json:"changedOn" format:"date-time"`
	Message   string `json:"message,omitempty"`
}

// ReadyForReview is the backend validation snapshot.
type ReadyForReview struct {
	Ready   bool                `json:"ready"`
	Message map[string][]string `json:"message"`
}

type Branch struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Ratio       int    `json:"ratio"`
}

type Experiment struct {
	ID             int64         `json:"id"`
	Slug           string        `json:"slug"`
	Name           string        `json:"name"`
	Owner          string        `json:"owner"`
	Status         Status        `json:"status" enum:"DRAFT,PREVIEW,REVIEW,ACCEPTED,LIVE,COMPLETE"`
	PublishStatus  PublishStatus `json:"publishStatus" enum:"IDLE,REVIEW,APPROVED,WAITING"`
	StatusNext     *Status       `json:"statusNext,omitempty"`
	IsEndRequested bool          `json:"isEndRequested"`
	CanReview      bool          `json:"canReview"`

	ReviewRequest  *ChangeEvent    `json:"reviewRequest,omitempty"`
	Rejection      *ChangeEvent    `json:"rejection,omitempty"`
	Timeout        *ChangeEvent    `json:"timeout,omitempty"`
	ReadyForReview *ReadyForReview `json:"readyForReview,omitempty"`
	ResultsReady   bool            `json:"resultsReady"`

	Hypothesis          string   `json:"hypothesis,omitempty"`
	PublicDescription   string   `json:"publicDescription,omitempty"`
	RiskMitigationLink  string   `json:"riskMitigationLink,omitempty"`
	FeatureConfig       string   `json:"featureConfig,omitempty"`
	ReferenceBranch     *Branch  `json:"referenceBranch,omitempty"`
	TreatmentBranches   []Branch `json:"treatmentBranches,omitempty"`
	Channel             string   `json:"channel,omitempty"`
	FirefoxMinVersion   string   `json:"firefoxMinVersion,omitempty"`
	TargetingConfigSlug string   `json:"targetingConfigSlug,omitempty"`
	PopulationPercent   float64  `json:"populationPercent,omitempty"`
	ProposedDuration    int      `json:"proposedDuration,omitempty"`
	ProposedEnrollment  int      `json:"proposedEnrollment,omitempty"`

	// PublishChangedAt is when publishStatus last moved.
	PublishChangedAt string `json:"publishChangedAt,omitempty"`
	CreatedAt        string `json:"createdAt" format:"date-time"`
	UpdatedAt        string `json:"updatedAt" format:"date-time"`
}

// ExperimentInput is a partial update. Unset pointer fields are left untouched.
// StatusNext is tri-state: nil and !ClearStatusNext means absent, ClearStatusNext
// sends an explicit null.
type ExperimentInput struct {
	ID               int64          `json:"id"`
	Status           *Status        `json:"status,omitempty"`
	StatusNext       *Status        `json:"-"`
	ClearStatusNext  bool           `json:"-"`
	PublishStatus    *PublishStatus `json:"publishStatus,omitempty"`
	IsEndRequested   *bool          `json:"isEndRequested,omitempty"`
	ChangelogMessage *string        `json:"changelogMessage,omitempty"`

	Name                *string  `json:"name,omitempty"`
	Hypothesis          *string  `json:"hypothesis,omitempty"`
	PublicDescription   *string  `json:"publicDescription,omitempty"`
	RiskMitigationLink  *string  `json:"riskMitigationLink,omitempty"`
	FeatureConfig       *string  `json:"featureConfig,omitempty"`
	ReferenceBranch     *Branch  `json:"referenceBranch,omitempty"`
	TreatmentBranches   []Branch `json:"treatmentBranches,omitempty"`
	Channel             *string  `json:"channel,omitempty"`
	FirefoxMinVersion   *string  `json:"firefoxMinVersion,omitempty"`
	TargetingConfigSlug *string  `json:"targetingConfigSlug,omitempty"`
	PopulationPercent   *float64 `json:"populationPercent,omitempty"`
	ProposedDuration    *int     `json:"proposedDuration,omitempty"`
	ProposedEnrollment  *int     `json:"proposedEnrollment,omitempty"`
}

type experimentInputAlias ExperimentInput

func (in ExperimentInput) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(experimentInputAlias(in))
	if err != nil {
		return nil, err
	}
	var next []byte
	switch {
	case in.StatusNext != nil:
		next, err = json.Marshal(*in.StatusNext)
		if err != nil {
			return nil, err
		}
	case in.ClearStatusNext:
		next = []byte("null")
	default:
		return base, nil
	}
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	buf.WriteString(`,"statusNext":`)
	buf.Write(next)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (in *ExperimentInput) UnmarshalJSON(data []byte) error {
	var alias experimentInputAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*in = ExperimentInput(alias)
	if v, ok := raw["statusNext"]; ok {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			in.ClearStatusNext = true
		} else {
			var s Status
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("statusNext: %w", err)
			}
			in.StatusNext = &s
		}
	}
	return nil
}

// Merge overlays every set field of override onto base. The ID of base wins
// unless base has none.
func Merge(base, override ExperimentInput) ExperimentInput {
	out := base
	if out.ID == 0 {
		out.ID = override.ID
	}
	if override.Status != nil {
		out.Status = override.Status
	}
	if override.StatusNext != nil {
		out.StatusNext = override.StatusNext
		out.ClearStatusNext = false
	} else if override.ClearStatusNext {
		out.StatusNext = nil
		out.ClearStatusNext = true
	}
	if override.PublishStatus != nil {
		out.PublishStatus = override.PublishStatus
	}
	if override.IsEndRequested != nil {
		out.IsEndRequested = override.IsEndRequested
	}
	if override.ChangelogMessage != nil {
		out.ChangelogMessage = override.ChangelogMessage
	}
	if override.Name != nil {
		out.Name = override.Name
	}
	if override.Hypothesis != nil {
		out.Hypothesis = override.Hypothesis
	}
	if override.PublicDescription != nil {
		out.PublicDescription = override.PublicDescription
	}
	if override.RiskMitigationLink != nil {
		out.RiskMitigationLink = override.RiskMitigationLink
	}
	if override.FeatureConfig != nil {
		out.FeatureConfig = override.FeatureConfig
	}
	if override.ReferenceBranch != nil {
		out.ReferenceBranch = override.ReferenceBranch
	}
	if override.TreatmentBranches != nil {
		out.TreatmentBranches = override.TreatmentBranches
	}
	if override.Channel != nil {
		out.Channel = override.Channel
	}
	if override.FirefoxMinVersion != nil {
		out.FirefoxMinVersion = override.FirefoxMinVersion
	}
	if override.TargetingConfigSlug != nil {
		out.TargetingConfigSlug = override.TargetingConfigSlug
	}
	if override.PopulationPercent != nil {
		out.PopulationPercent = override.PopulationPercent
	}
	if override.ProposedDuration != nil {
		out.ProposedDuration = override.ProposedDuration
	}
	if override.ProposedEnrollment != nil {
		out.ProposedEnrollment = override.ProposedEnrollment
	}
	return out
}

// HasLifecycleChange reports whether the input touches status fields.
func (in ExperimentInput) HasLifecycleChange() bool {
	return in.Status != nil || in.StatusNext != nil || in.ClearStatusNext || in.PublishStatus != nil || in.IsEndRequested != nil
}

// HasDesignChange reports whether the input edits design fields.
func (in ExperimentInput) HasDesignChange() bool {
	return in.Name != nil || in.Hypothesis != nil || in.PublicDescription != nil || in.RiskMitigationLink != nil ||
		in.FeatureConfig != nil || in.ReferenceBranch != nil || in.TreatmentBranches != nil || in.Channel != nil ||
		in.FirefoxMinVersion != nil || in.TargetingConfigSlug != nil || in.PopulationPercent != nil ||
		in.ProposedDuration != nil || in.ProposedEnrollment != nil
}

// MutationResult is the payload of the updateExperiment mutation. Message is
// either the string "success" or a field-keyed error map.
type MutationResult struct {
	Message json.RawMessage `json:"message,omitempty"`
}

// SuccessMessage is the literal sentinel returned on a successful mutation.
const SuccessMessage = "success"

func Success() MutationResult {
	return MutationResult{Message: json.RawMessage(`"success"`)}
}

func Invalid(errs map[string][]string) MutationResult {
	b, _ := json.Marshal(errs)
	return MutationResult{Message: b}
}

type ChangelogEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Kind         string `json:"kind"`
	ExperimentID int64  `json:"experiment_id"`
	ActorID      string `json:"actor_id"`
	Message      string `json:"message,omitempty"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status,omitempty"`
	OldPublish   string `json:"old_publish_status,omitempty"`
	NewPublish   string `json:"new_publish_status,omitempty"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func Ptr[T any](v T) *T {
	return &v
}
