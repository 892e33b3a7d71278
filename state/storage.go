package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/matrix-org/background-sync/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

type Storage struct {
	EventsTable               *EventTable
	AccountDataTable          *AccountDataTable
	CryptoAccountsTable       *CryptoAccountsTable
	InboundGroupSessionsTable *InboundGroupSessionsTable
	OlmSessionsTable          *OlmSessionsTable
	DB                        *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		EventsTable:               NewEventTable(db),
		AccountDataTable:          NewAccountDataTable(db),
		CryptoAccountsTable:       NewCryptoAccountsTable(db),
		InboundGroupSessionsTable: NewInboundGroupSessionsTable(db),
		OlmSessionsTable:          NewOlmSessionsTable(db),
		DB:                        db,
	}
}

// SessionStore returns a crypto.Store scoped to one device.
func (s *Storage) SessionStore(userID, deviceID string) *SessionStore {
	return &SessionStore{
		userID:        userID,
		deviceID:      deviceID,
		groupSessions: s.InboundGroupSessionsTable,
		olmSessions:   s.OlmSessionsTable,
	}
}

// InsertEvents stores events transactionally and returns the number of new rows.
func (s *Storage) InsertEvents(events []Event) (numNew int, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		numNew, err = s.EventsTable.Insert(txn, events)
		return err
	})
	return
}

// UpsertAccountData stores account data transactionally.
func (s *Storage) UpsertAccountData(accDatas []AccountData) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		return s.AccountDataTable.Insert(txn, accDatas)
	})
}

// AccountData returns one account data entry, or nil if there is none.
func (s *Storage) AccountData(userID, roomID, eventType string) (data *AccountData, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		data, err = s.AccountDataTable.Select(txn, userID, eventType, roomID)
		return err
	})
	return
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("state.Storage.Teardown: " + err.Error())
	}
}
