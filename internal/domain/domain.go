package domain

import (
	"fmt"
	"time"
)

// JobKind selects the fixed stage sequence a job runs through.
type JobKind string

const (
	KindSeriesBatch     JobKind = "series-episode-batch"
	KindSingleItem      JobKind = "single-item"
	KindAudioCollection JobKind = "audio-collection"
)

// JobStatus is the lifecycle state of a job. Transitions are one-directional:
// queued -> running -> {completed, failed, cancelled}.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage is one phase of a job's pipeline, meaningful while the job is running.
type Stage string

const (
	StageWaiting     Stage = "waiting"
	StageAcquiring   Stage = "acquiring"
	StageMetadata    Stage = "extracting-metadata"
	StageTranscoding Stage = "transcoding"
	StageArtwork     Stage = "generating-artwork"
	StageDescriptors Stage = "writing-descriptors"
	StagePublishing  Stage = "publishing"
	StageDone        Stage = "done"
)

var stagesByKind = map[JobKind][]Stage{
	KindSeriesBatch: {
		StageWaiting, StageAcquiring, StageMetadata, StageTranscoding,
		StageArtwork, StageDescriptors, StagePublishing, StageDone,
	},
	KindSingleItem: {
		StageWaiting, StageAcquiring, StageMetadata, StageTranscoding,
		StageArtwork, StageDescriptors, StagePublishing, StageDone,
	},
	KindAudioCollection: {
		StageWaiting, StageAcquiring, StageMetadata, StageTranscoding,
		StagePublishing, StageDone,
	},
}

// Stages returns the fixed, ordered stage list for a kind.
func Stages(kind JobKind) []Stage {
	stages := stagesByKind[kind]
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func ValidKind(kind JobKind) bool {
	_, ok := stagesByKind[kind]
	return ok
}

// FailureClass tags why a job or one of its items failed.
type FailureClass string

const (
	FailureAcquisition FailureClass = "AcquisitionFailure"
	FailureTranscode   FailureClass = "TranscodeFailure"
	FailureArtwork     FailureClass = "ArtworkFailure"
	FailureDescriptor  FailureClass = "DescriptorFailure"
	FailurePublish     FailureClass = "PublishFailure"
)

// Message is one append-only job log entry.
type Message struct {
	Time time.Time
	Text string
}

// RemoteItem is one entry of a freshly fetched remote listing.
type RemoteItem struct {
	ID       string
	Position int
	Title    string
	MediaRef string
}

// WorkItem is a remote item bound to its assigned local sequence number.
type WorkItem struct {
	RemoteID    string
	Position    int
	Title       string
	MediaRef    string
	SequenceNum int
}

// Label renders the item the way local artifacts are named, e.g.
// "Some Video S02E05".
func (w WorkItem) Label(season string) string {
	return fmt.Sprintf("%s S%sE%02d", w.Title, season, w.SequenceNum)
}

// ItemMetadata is what the metadata-extraction collaborator recovers from an
// acquired item's sidecar.
type ItemMetadata struct {
	Title       string
	Description string
	UploadDate  time.Time
	DurationSec int
}

// Job is one orchestrated unit of acquisition -> processing -> publication
// work. The registry owns the canonical record; everyone else sees snapshots.
type Job struct {
	ID              string
	Kind            JobKind
	SubscriptionID  string
	SourceURL       string
	ShowName        string
	Season          string
	Status          JobStatus
	Stage           Stage
	Progress        int
	StageProgress   int
	TotalItems      int
	ProcessedItems  int
	CurrentItem     string
	RemainingItems  []WorkItem
	Messages        []Message
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelRequested bool
	Failure         FailureClass
}

// RetentionMode is the closed set of eviction policies.
type RetentionMode string

const (
	KeepAll      RetentionMode = "keep-all"
	KeepLastN    RetentionMode = "keep-last-n"
	KeepLastDays RetentionMode = "keep-last-days"
)

// RetentionPolicy pairs a mode with its count/days value. Value is unused for
// keep-all.
type RetentionPolicy struct {
	Mode  RetentionMode
	Value int
}

// Subscription is a tracked playlist or channel checked for new items.
type Subscription struct {
	ID             string
	SourceURL      string
	DisplayName    string
	Season         string
	Enabled        bool
	SequenceAnchor int
	LastPosition   int
	StartNumber    int
	StartOffset    int
	Retention      RetentionPolicy
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LocalItem is one materialized artifact tracked for retention.
type LocalItem struct {
	SubscriptionID string
	RemoteID       string
	SequenceNum    int
	MediaPath      string
	DescriptorPath string
	MaterializedAt time.Time
}
