// Package telegram implements transport.Client against the Telegram Bot
// API's HTTP surface directly. No Bot API SDK appears anywhere in the
// example pack's go.mod files, so this talks to api.telegram.org with
// net/http and mime/multipart rather than pulling in an unsanctioned
// dependency (see DESIGN.md).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/arung-agamani/mediabot/internal/transport"
)

// retryDelays implements spec.md §5's transport retry policy: three
// retries on timeout with 5s/10s/15s backoff. Non-timeout errors are not
// retried.
var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// Client is a transport.Client backed by the Telegram Bot API.
type Client struct {
	token      string
	httpClient *http.Client
}

// New constructs a Client. token is the bot's Bot API token.
func New(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) apiURL(method string) string {
	return fmt.Sprintf("https://api.telegram.org/bot%s/%s", c.token, method)
}

func (c *Client) fileURL(filePath string) string {
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, filePath)
}

type apiResult struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// isTimeout reports whether err looks like a client-side or context
// deadline timeout, the only class of error spec.md §5 retries.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return err == context.DeadlineExceeded
}

// doWithRetry executes fn, retrying on timeout per spec.md §5.
func doWithRetry(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = fn()
		if err == nil || !isTimeout(err) || attempt >= len(retryDelays) {
			return resp, err
		}
		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) postMultipart(ctx context.Context, method string, fields map[string]string, fileField, filePath string) (json.RawMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("telegram: open %s: %w", filePath, err)
		}
		defer f.Close()
		part, err := mw.CreateFormFile(fileField, filepath.Base(filePath))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := doWithRetry(ctx, func() (*http.Response, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(method), bytes.NewReader(buf.Bytes()))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

func (c *Client) postJSON(ctx context.Context, method string, payload map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := doWithRetry(ctx, func() (*http.Response, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(method), bytes.NewReader(body))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

func decodeResult(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result apiResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("telegram: malformed response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: api error: %s", result.Description)
	}
	return result.Result, nil
}

type sentMessageJSON struct {
	MessageID int   `json:"message_id"`
	Chat      struct{ ID int64 `json:"id"` } `json:"chat"`
	Photo     []struct{ FileID string `json:"file_id"` } `json:"photo"`
	Video     *struct{ FileID string `json:"file_id"` } `json:"video"`
	Audio     *struct{ FileID string `json:"file_id"` } `json:"audio"`
	Document  *struct{ FileID string `json:"file_id"` } `json:"document"`
}

func (m sentMessageJSON) highestQualityID() string {
	if len(m.Photo) > 0 {
		return m.Photo[len(m.Photo)-1].FileID
	}
	if m.Video != nil {
		return m.Video.FileID
	}
	if m.Audio != nil {
		return m.Audio.FileID
	}
	if m.Document != nil {
		return m.Document.FileID
	}
	return ""
}

func attachmentFields(chatID int64, att transport.Attachment) map[string]string {
	fields := map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}
	if att.Caption != "" {
		fields["caption"] = att.Caption
	}
	if att.DurationSec > 0 {
		fields["duration"] = strconv.Itoa(att.DurationSec)
	}
	if att.Width > 0 {
		fields["width"] = strconv.Itoa(att.Width)
	}
	if att.Height > 0 {
		fields["height"] = strconv.Itoa(att.Height)
	}
	if att.Title != "" {
		fields["title"] = att.Title
	}
	if att.Performer != "" {
		fields["performer"] = att.Performer
	}
	return fields
}

func (c *Client) sendFile(ctx context.Context, method, fileField string, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	raw, err := c.postMultipart(ctx, method, attachmentFields(chatID, att), fileField, path)
	if err != nil {
		return transport.SentMessage{}, err
	}
	var m sentMessageJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return transport.SentMessage{}, fmt.Errorf("telegram: %s: %w", method, err)
	}
	return transport.SentMessage{MessageID: m.MessageID, ChatID: chatID, TransportID: m.highestQualityID()}, nil
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return c.sendFile(ctx, "sendPhoto", "photo", chatID, path, att)
}

func (c *Client) SendVideo(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return c.sendFile(ctx, "sendVideo", "video", chatID, path, att)
}

func (c *Client) SendAudio(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return c.sendFile(ctx, "sendAudio", "audio", chatID, path, att)
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return c.sendFile(ctx, "sendDocument", "document", chatID, path, att)
}

// SendMediaGroup sends up to 10 items as an album. Telegram requires the
// whole group in one multipart request with an "attach://" media array;
// files are attached under synthetic field names.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, items []transport.MediaGroupItem) ([]transport.SentMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	type mediaEntry struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Caption string `json:"caption,omitempty"`
	}
	media := make([]mediaEntry, 0, len(items))

	for i, item := range items {
		field := fmt.Sprintf("file%d", i)
		f, err := os.Open(item.Path)
		if err != nil {
			return nil, fmt.Errorf("telegram: open %s: %w", item.Path, err)
		}
		part, err := mw.CreateFormFile(field, filepath.Base(item.Path))
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()

		entry := mediaEntry{Type: item.Kind, Media: "attach://" + field}
		if i == 0 {
			entry.Caption = item.Caption
		}
		media = append(media, entry)
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, err
	}
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, err
	}
	if err := mw.WriteField("media", string(mediaJSON)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := doWithRetry(ctx, func() (*http.Response, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("sendMediaGroup"), bytes.NewReader(buf.Bytes()))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: sendMediaGroup: %w", err)
	}
	defer resp.Body.Close()
	raw, err := decodeResult(resp)
	if err != nil {
		return nil, err
	}

	var messages []sentMessageJSON
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("telegram: sendMediaGroup: %w", err)
	}
	out := make([]transport.SentMessage, len(messages))
	for i, m := range messages {
		out[i] = transport.SentMessage{MessageID: m.MessageID, ChatID: chatID, TransportID: m.highestQualityID()}
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.postJSON(ctx, "deleteMessage", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

func (c *Client) AnswerInlineQuery(ctx context.Context, queryID string, results []transport.InlineResult) error {
	type inlineResultJSON struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Title string `json:"title"`

		PhotoFileID    string `json:"photo_file_id,omitempty"`
		VideoFileID    string `json:"video_file_id,omitempty"`
		AudioFileID    string `json:"audio_file_id,omitempty"`
		DocumentFileID string `json:"document_file_id,omitempty"`
	}

	out := make([]inlineResultJSON, 0, len(results))
	for _, r := range results {
		entry := inlineResultJSON{ID: r.ID, Title: r.Title}
		switch r.Kind {
		case "photo":
			entry.Type = "photo"
			entry.PhotoFileID = r.TransportID
		case "video":
			entry.Type = "video"
			entry.VideoFileID = r.TransportID
		case "audio":
			entry.Type = "audio"
			entry.AudioFileID = r.TransportID
		default:
			entry.Type = "document"
			entry.DocumentFileID = r.TransportID
		}
		out = append(out, entry)
	}

	resultsJSON, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = c.postJSON(ctx, "answerInlineQuery", map[string]interface{}{
		"inline_query_id": queryID,
		"results":         string(resultsJSON),
		"cache_time":      300,
	})
	return err
}

func (c *Client) DownloadFile(ctx context.Context, transportID, destPath string) error {
	raw, err := c.postJSON(ctx, "getFile", map[string]interface{}{"file_id": transportID})
	if err != nil {
		return err
	}
	var info struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("telegram: getFile: %w", err)
	}

	resp, err := doWithRetry(ctx, func() (*http.Response, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(info.FilePath), nil)
		if rerr != nil {
			return nil, rerr
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int) (transport.SentMessage, error) {
	payload := map[string]interface{}{"chat_id": chatID, "text": text}
	if html {
		payload["parse_mode"] = "HTML"
	}
	if replyToMessageID != 0 {
		payload["reply_to_message_id"] = replyToMessageID
	}
	raw, err := c.postJSON(ctx, "sendMessage", payload)
	if err != nil {
		return transport.SentMessage{}, err
	}
	var m sentMessageJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return transport.SentMessage{}, err
	}
	return transport.SentMessage{MessageID: m.MessageID, ChatID: chatID}, nil
}

func (c *Client) SendTextWithButton(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int, buttonLabel, buttonPayload string) (transport.SentMessage, error) {
	markup := map[string]interface{}{
		"inline_keyboard": [][]map[string]string{{{"text": buttonLabel, "callback_data": buttonPayload}}},
	}
	markupJSON, err := json.Marshal(markup)
	if err != nil {
		return transport.SentMessage{}, err
	}
	payload := map[string]interface{}{"chat_id": chatID, "text": text, "reply_markup": string(markupJSON)}
	if html {
		payload["parse_mode"] = "HTML"
	}
	if replyToMessageID != 0 {
		payload["reply_to_message_id"] = replyToMessageID
	}
	raw, err := c.postJSON(ctx, "sendMessage", payload)
	if err != nil {
		return transport.SentMessage{}, err
	}
	var m sentMessageJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return transport.SentMessage{}, err
	}
	return transport.SentMessage{MessageID: m.MessageID, ChatID: chatID}, nil
}
