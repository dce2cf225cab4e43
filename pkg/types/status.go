package types

type TransferStatus string

const (
	StatusCreated     TransferStatus = "CREATED"
	StatusSubmitting  TransferStatus = "SUBMITTING"
	StatusSubmitted   TransferStatus = "SUBMITTED"
	StatusConfirming  TransferStatus = "CONFIRMING"
	StatusConfirmed   TransferStatus = "CONFIRMED"
	StatusReconciling TransferStatus = "RECONCILING"
	StatusCompleted   TransferStatus = "COMPLETED"
	StatusFailed      TransferStatus = "FAILED"
)

// Position of each status along the happy path. FAILED sits outside the ordering.
var statusRank = map[TransferStatus]int{
	StatusCreated:     0,
	StatusSubmitting:  1,
	StatusSubmitted:   2,
	StatusConfirming:  3,
	StatusConfirmed:   4,
	StatusReconciling: 5,
	StatusCompleted:   6,
}

func (s TransferStatus) String() string {
	return string(s)
}

func (s TransferStatus) IsValid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

func (s TransferStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank returns the position of the status on the happy path, -1 for FAILED or unknown values
func (s TransferStatus) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// CanTransition reports whether `to` is reachable from `from`.
// Any forward move along the happy path is reachable, FAILED is reachable from every
// non-terminal status, and a non-terminal status may be rewritten onto itself to update fields.
// Nothing leaves a terminal status.
func CanTransition(from, to TransferStatus) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || from == to {
		return true
	}
	return to.Rank() > from.Rank()
}

// AggregateStatus folds the statuses of fan-out sub-transfers into the parent status:
// FAILED if any sub-transfer failed, otherwise the least advanced sub-transfer status.
func AggregateStatus(statuses []TransferStatus) TransferStatus {
	if len(statuses) == 0 {
		return StatusCreated
	}
	least := StatusCompleted
	for _, status := range statuses {
		if status == StatusFailed {
			return StatusFailed
		}
		if status.Rank() < least.Rank() {
			least = status
		}
	}
	return least
}
