package jobs

const (
	// QueueDefault carries scheduled maintenance tasks.
	QueueDefault = "default"
	// QueueIngest carries marketplace events.
	QueueIngest = "ingest"

	// TaskReservationExpire sweeps reservations whose TTL passed.
	TaskReservationExpire = "reservation:expire"
	// TaskReconcileSnapshot takes the daily slot snapshot.
	TaskReconcileSnapshot = "reconcile:snapshot"
	// TaskReconcileThreeBooks compares slots, ledger and snapshot.
	TaskReconcileThreeBooks = "reconcile:three_books"
)
