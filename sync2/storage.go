package sync2

import (
	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	DevicesTable    *DevicesTable
	TokensTable     *TokensTable
	DeviceDataTable *DeviceDataTable
	DB              *sqlx.DB
}

func NewStore(postgresURI, secret string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		log.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStoreWithDB(db, secret)
}

func NewStoreWithDB(db *sqlx.DB, secret string) *Storage {
	return &Storage{
		DevicesTable:    NewDevicesTable(db),
		TokensTable:     NewTokensTable(db, secret),
		DeviceDataTable: NewDeviceDataTable(db),
		DB:              db,
	}
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("sync2.Storage.Teardown: " + err.Error())
	}
}
