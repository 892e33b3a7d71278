package sync2

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matrix-org/background-sync/sqlutil"
)

type scriptedSyncClient struct {
	statusCode int
	err        error
}

func (c *scriptedSyncClient) WhoAmI(accessToken string) (string, string, error) {
	return "", "", fmt.Errorf("scriptedSyncClient: WhoAmI unexpected")
}
func (c *scriptedSyncClient) CreateFilter(ctx context.Context, accessToken, userID string) (string, error) {
	return "", fmt.Errorf("scriptedSyncClient: CreateFilter unexpected")
}
func (c *scriptedSyncClient) DoSync(ctx context.Context, accessToken, since, filterID string) (*SyncResponse, int, error) {
	if c.err != nil {
		return nil, c.statusCode, c.err
	}
	return &SyncResponse{}, 200, nil
}

func TestExpiredTokenClientDeletesRejectedToken(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	tokens := NewTokensTable(db, "expired token test secret")
	insert := func(token, deviceID string) {
		err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
			_, err := tokens.Insert(txn, token, "@expired:localhost", deviceID, time.Now())
			return err
		})
		if err != nil {
			t.Fatalf("Insert: %s", err)
		}
	}
	insert("expired-token-dead", "EXPDEV1")
	insert("expired-token-alive", "EXPDEV2")

	inner := &scriptedSyncClient{statusCode: 401, err: fmt.Errorf("DoSync: response returned 401 Unauthorized")}
	client := NewExpiredTokenClient(inner, tokens)
	_, code, err := client.DoSync(context.Background(), "expired-token-dead", "", "")
	if code != 401 || err == nil {
		t.Fatalf("DoSync: got (%d, %v), want 401 with error", code, err)
	}
	if _, err = tokens.Token("expired-token-dead"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("rejected token still stored: err=%v", err)
	}

	// A successful sync must leave the token alone.
	inner.statusCode = 200
	inner.err = nil
	if _, _, err = client.DoSync(context.Background(), "expired-token-alive", "", ""); err != nil {
		t.Fatalf("DoSync: %s", err)
	}
	tok, err := tokens.Token("expired-token-alive")
	if err != nil {
		t.Fatalf("Token: %s", err)
	}
	if tok.DeviceID != "EXPDEV2" {
		t.Errorf("accepted token lost: got device %q", tok.DeviceID)
	}
}
