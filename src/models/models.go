package models

// Migrations lists the models owned by the authoritative store.
func Migrations() []any {
	return []any{
		&Event{},
		&Resource{},
		&CapacityLedger{},
		&CapacityHold{},
		&Reservation{},
		&GuestPass{},
		&Ticket{},
		&LinkedTicket{},
		&ScanLog{},
		&StatusTrail{},
	}
}
