package models

// JobState is the lifecycle position of a job. States only move forward.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateAdmitted   JobState = "admitted"
	StateRetrieving JobState = "retrieving"
	StateConverting JobState = "converting"
	StateSplitting  JobState = "splitting"
	StateUploading  JobState = "uploading"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

var stateRank = map[JobState]int{
	StateQueued:     1,
	StateAdmitted:   2,
	StateRetrieving: 3,
	StateConverting: 4,
	StateSplitting:  5,
	StateUploading:  6,
	StateCompleted:  7,
	StateFailed:     7,
	StateCancelled:  7,
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Running reports whether a job in s holds a concurrency slot.
func (s JobState) Running() bool {
	switch s {
	case StateAdmitted, StateRetrieving, StateConverting, StateSplitting, StateUploading:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	return stateRank[next] > stateRank[s]
}

// FailureKind qualifies StateFailed.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureDownloader         FailureKind = "downloader_error"
	FailureConversion         FailureKind = "conversion_error"
	FailureSizeExceeded       FailureKind = "size_exceeded"
	FailureDelivery           FailureKind = "delivery_error"
	FailureTimeout            FailureKind = "timeout"
	FailureDiskSpaceExhausted FailureKind = "disk_space_exhausted"
	FailureInterrupted        FailureKind = "interrupted"
	// FailureInternal means the job could not be started at all.
	FailureInternal FailureKind = "internal_error"
)

// DownloaderReason narrows a FailureDownloader.
type DownloaderReason string

const (
	ReasonTransient        DownloaderReason = "transient"
	ReasonUnsupported      DownloaderReason = "unsupported"
	ReasonAccessRestricted DownloaderReason = "access_restricted"
)
