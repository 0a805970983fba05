package model

// Tables lists every table the service migrates.
func Tables() []any {
	return []any{
		&Event{}, &ArchivedEvent{},
		&Request{}, &ArchivedRequest{},
		&Saga{}, &SagaProcess{}, &ArchivedSaga{}, &ArchivedSagaProcess{},
		&WorkerLease{},
		&Wallet{}, &Transaction{},
	}
}
