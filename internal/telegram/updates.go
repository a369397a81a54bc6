package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Update is the subset of Telegram's Update object the dispatcher cares
// about: plain text messages (URL submission), voice/video-note messages
// (voice-batch aggregation), and inline queries.
type Update struct {
	UpdateID      int            `json:"update_id"`
	Message       *Message       `json:"message"`
	InlineQuery   *InlineQuery   `json:"inline_query"`
}

type Message struct {
	MessageID int    `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
	Voice     *File  `json:"voice"`
	VideoNote *File  `json:"video_note"`
}

type User struct {
	ID int64 `json:"id"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type File struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
}

type InlineQuery struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	From  User   `json:"from"`
}

// GetUpdates long-polls for new updates starting from offset, waiting up
// to timeoutSec server-side. Callers are expected to call it in a loop,
// passing the last update's UpdateID+1 as the next offset.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeoutSec int) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("timeout", strconv.Itoa(timeoutSec))
	q.Set("allowed_updates", `["message","inline_query"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := doWithRetry(ctx, func() (*http.Response, error) { return c.httpClient.Do(req) })
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}

	raw, err := decodeResult(resp)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	return updates, nil
}
