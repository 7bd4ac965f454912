package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// FCMPush posts JSON to the FCM HTTP v1 endpoint using an OAuth token. Each
// recipient is addressed through its per-user topic "{audience}_{id}".
type FCMPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPush(endpoint, key string) *FCMPush {
	return &FCMPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPush) Send(ctx context.Context, msg PushMessage) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic":        string(msg.Audience) + "_" + msg.RecipientID,
			"notification": map[string]string{"title": msg.Title, "body": msg.Body},
			"data":         msg.Data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return postJSON(ctx, f.Client, f.Endpoint, f.Key, b)
}
