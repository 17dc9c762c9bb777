package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/engine"
	"careline/internal/migrate"
	"careline/internal/server"
)

// Quick end-to-end smoke check: boot a server against a scratch workspace,
// mint a dev token, create a task and acknowledge it.
func main() {
	workspace := "/tmp/careline-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, nullSender{})
	defer e.Close()

	h, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{JWTSecret: "test-secret", DevLoginEnabled: true},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := devLogin(ts.URL, "tester")

	body := map[string]any{
		"chat_id":      1,
		"description":  "take evening meds",
		"category":     "medication",
		"urgency_tier": "general",
		"due_at":       time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	var task map[string]any
	status := post(ts.URL+"/v1/tasks", token, body, &task)
	fmt.Printf("create: status=%d task=%v\n", status, task)

	id, _ := task["id"].(string)
	var acked map[string]any
	status = post(ts.URL+"/v1/tasks/"+id+"/ack", token, nil, &acked)
	fmt.Printf("ack: status=%d state=%v\n", status, acked["state"])
}

type nullSender struct{}

func (nullSender) SendReminder(ctx context.Context, chatID int64, text, taskID string) error {
	return nil
}

func devLogin(baseURL, actor string) string {
	var resp struct {
		Token string `json:"token"`
	}
	status := post(baseURL+"/v1/auth/dev/login", "", map[string]any{"actor_id": actor}, &resp)
	if status != http.StatusOK {
		panic(fmt.Sprintf("dev login failed: status=%d", status))
	}
	return resp.Token
}

func post(url, token string, body any, out any) int {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode
}
