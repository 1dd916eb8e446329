package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateRoom(t *testing.T) {
	var gotBody createRoomRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/rooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "roomId": "room-42"})
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	roomID, err := client.CreateRoom(context.Background(), "fluffy-otter-47", "client-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if roomID != "room-42" {
		t.Fatalf("roomID = %q, want room-42", roomID)
	}
	if gotBody.JoinCode != "fluffy-otter-47" || gotBody.ClientID != "client-a" || gotBody.ExpiresIn != 600 {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestAcceptJoinCodeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": "room not found"})
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	_, err := client.AcceptJoinCode(context.Background(), "no-such-code-1", "client-b")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestExpiredCodeSurfacesAsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	_, err := client.AcceptJoinCode(context.Background(), "stale-code-9", "client-b")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestCheckPending(t *testing.T) {
	claimed := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/pending" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("joinCode") != "tiny-fox-12" {
			t.Errorf("joinCode = %q", r.URL.Query().Get("joinCode"))
		}
		resp := map[string]any{"success": true, "roomId": ""}
		if claimed {
			resp["roomId"] = "room-7"
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(server.URL, testLogger())

	roomID, err := client.CheckPending(context.Background(), "tiny-fox-12", "client-a")
	if err != nil {
		t.Fatalf("CheckPending: %v", err)
	}
	if roomID != "" {
		t.Fatalf("roomID = %q, want empty while pending", roomID)
	}

	claimed = true
	roomID, err = client.CheckPending(context.Background(), "tiny-fox-12", "client-a")
	if err != nil {
		t.Fatalf("CheckPending: %v", err)
	}
	if roomID != "room-7" {
		t.Fatalf("roomID = %q, want room-7 once claimed", roomID)
	}
}

func TestGetRoomParticipants(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/room-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"room": map[string]any{
				"roomId":   "room-7",
				"joinCode": "tiny-fox-12",
				"client1":  "client-a",
				"client2":  "client-b",
			},
		})
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	client1, client2, err := client.GetRoom(context.Background(), "room-7")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if client1 != "client-a" || client2 != "client-b" {
		t.Fatalf("participants = %q, %q", client1, client2)
	}
}

func TestDeleteRoomToleratesMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	if err := client.DeleteRoom(context.Background(), "room-gone"); err != nil {
		t.Fatalf("DeleteRoom on missing room: %v", err)
	}
}

func TestServerErrorMessageSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": "internal error"})
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	_, err := client.CreateRoom(context.Background(), "tiny-fox-12", "client-a", time.Minute)
	if err == nil || errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want generic broker error", err)
	}
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := New(server.URL, testLogger())
	if _, err := client.CheckPending(ctx, "tiny-fox-12", "client-a"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
