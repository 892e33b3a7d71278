package sync2

import (
	"context"
	"errors"
)

// ExpiredTokenClient wraps a Client and deletes the stored copy of any access
// token the homeserver rejects with HTTP 401. Resolve requests carry no
// credentials of their own, so without this a logged-out device would replay
// its dead token on every push until the row expired by hand.
type ExpiredTokenClient struct {
	Client
	tokens *TokensTable
}

func NewExpiredTokenClient(client Client, tokens *TokensTable) *ExpiredTokenClient {
	return &ExpiredTokenClient{Client: client, tokens: tokens}
}

func (c *ExpiredTokenClient) DoSync(ctx context.Context, accessToken, since, filterID string) (*SyncResponse, int, error) {
	res, statusCode, err := c.Client.DoSync(ctx, accessToken, since, filterID)
	if statusCode == 401 || errors.Is(err, HTTP401) {
		log.Warn().Msg("sync returned 401, deleting stored access token")
		if deleteErr := c.tokens.Delete(hashToken(accessToken)); deleteErr != nil {
			log.Err(deleteErr).Msg("failed to delete expired access token")
		}
	}
	return res, statusCode, err
}
