package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ollama/ollama/api"

	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/testutil"
)

type fakeEmbedAPI struct {
	vec   []float32
	err   error
	calls []*api.EmbedRequest
}

func (f *fakeEmbedAPI) Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.vec == nil {
		return &api.EmbedResponse{Model: req.Model}, nil
	}
	return &api.EmbedResponse{Model: req.Model, Embeddings: [][]float32{f.vec}}, nil
}

type vectorCall struct {
	EmailID, UserID, Model string
	Embedding              []float32
}

type fakeVectors struct {
	calls []vectorCall
	err   error
}

func (f *fakeVectors) InsertVector(ctx context.Context, emailID, userID, model string, embedding []float32) (string, error) {
	f.calls = append(f.calls, vectorCall{emailID, userID, model, embedding})
	if f.err != nil {
		return "", f.err
	}
	return "42", nil
}

func newFakeEmbedder(t *testing.T, client *fakeEmbedAPI, vectors VectorWriter) *OllamaEmbedder {
	t.Helper()
	e, err := NewOllamaEmbedder("localhost:11434", "nomic-embed-text", vectors, WithRequestsPerSecond(0))
	if err != nil {
		t.Fatalf("NewOllamaEmbedder: %v", err)
	}
	e.client = client
	return e
}

func TestNewOllamaEmbedder_URL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		model   string
		wantErr bool
	}{
		{"Default", "", "m", false},
		{"NoScheme", "gpu-box:11434", "m", false},
		{"HTTPS", "https://embed.example.com", "m", false},
		{"MissingHost", "http://", "m", true},
		{"MissingModel", "localhost:11434", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOllamaEmbedder(tt.url, tt.model, &fakeVectors{})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmbed_StoresVector(t *testing.T) {
	client := &fakeEmbedAPI{vec: []float32{0.1, 0.2, 0.3}}
	vectors := &fakeVectors{}
	e := newFakeEmbedder(t, client, vectors)

	id, err := e.Embed(context.Background(), "rec-1", "user-1", "Subject: hi")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if id != "42" {
		t.Errorf("vector id = %q, want 42", id)
	}

	want := []vectorCall{{"rec-1", "user-1", "nomic-embed-text", []float32{0.1, 0.2, 0.3}}}
	if diff := cmp.Diff(want, vectors.calls); diff != "" {
		t.Errorf("InsertVector calls mismatch (-want +got):\n%s", diff)
	}
	if len(client.calls) != 1 || client.calls[0].Input != "Subject: hi" {
		t.Errorf("embed requests = %+v", client.calls)
	}
}

func TestEmbed_Errors(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("EmptyText", func(t *testing.T) {
		client := &fakeEmbedAPI{vec: []float32{1}}
		e := newFakeEmbedder(t, client, &fakeVectors{})
		if _, err := e.Embed(context.Background(), "r", "u", "  \n"); !errors.Is(err, ErrEmptyText) {
			t.Errorf("err = %v, want ErrEmptyText", err)
		}
		if len(client.calls) != 0 {
			t.Error("server should not be called for empty text")
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		vectors := &fakeVectors{}
		e := newFakeEmbedder(t, &fakeEmbedAPI{err: boom}, vectors)
		if _, err := e.Embed(context.Background(), "r", "u", "text"); !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped %v", err, boom)
		}
		if len(vectors.calls) != 0 {
			t.Error("nothing should be stored after a failed request")
		}
	})

	t.Run("EmptyResponse", func(t *testing.T) {
		e := newFakeEmbedder(t, &fakeEmbedAPI{}, &fakeVectors{})
		if _, err := e.Embed(context.Background(), "r", "u", "text"); err == nil {
			t.Error("expected error for empty embeddings")
		}
	})

	t.Run("StoreError", func(t *testing.T) {
		e := newFakeEmbedder(t, &fakeEmbedAPI{vec: []float32{1}}, &fakeVectors{err: boom})
		if _, err := e.Embed(context.Background(), "r", "u", "text"); !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped %v", err, boom)
		}
	})
}

func TestEmbed_OllamaServer(t *testing.T) {
	var gotReq api.EmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.EmbedResponse{
			Model:      gotReq.Model,
			Embeddings: [][]float32{{0.5, -0.5, 0.25, 1}},
		})
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	st := testutil.NewTestStoreWithVectors(t, 4)
	testutil.MustNoErr(t, st.InsertRecord(ctx, &store.Record{
		ID: "rec-1", UserID: "user-1", MessageID: "m1", Subject: "hello",
	}), "InsertRecord")

	e, err := NewOllamaEmbedder(srv.URL, "all-minilm", st, WithRequestsPerSecond(100))
	if err != nil {
		t.Fatalf("NewOllamaEmbedder: %v", err)
	}

	vectorID, err := e.Embed(ctx, "rec-1", "user-1", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotReq.Model != "all-minilm" || gotReq.Input != "hello world" {
		t.Errorf("request = %+v", gotReq)
	}

	meta, err := st.GetVector(ctx, vectorID)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if meta.EmailID != "rec-1" || meta.UserID != "user-1" || meta.Model != "all-minilm" || meta.Dimensions != 4 {
		t.Errorf("vector meta = %+v", meta)
	}
	n, err := st.CountVectors(ctx)
	testutil.MustNoErr(t, err, "CountVectors")
	if n != 1 {
		t.Errorf("CountVectors = %d, want 1", n)
	}
}

func TestEmbed_OllamaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"missing\" not found"}`))
	}))
	t.Cleanup(srv.Close)

	vectors := &fakeVectors{}
	e, err := NewOllamaEmbedder(srv.URL, "missing", vectors)
	if err != nil {
		t.Fatalf("NewOllamaEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), "r", "u", "text"); err == nil {
		t.Fatal("expected error from server")
	}
	if len(vectors.calls) != 0 {
		t.Error("nothing should be stored after a server error")
	}
}
