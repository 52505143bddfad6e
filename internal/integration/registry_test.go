package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/adt-gateway/internal/clinical"
)

func testPatient() *clinical.Patient {
	return &clinical.Patient{
		ID:          "p-1",
		Identifiers: []clinical.Identifier{{System: "NRIC", Value: "900101-10-1234"}},
		Name:        clinical.HumanName{Family: "Tan", Given: "Mei Ling"},
	}
}

func TestRegistrySubmit(t *testing.T) {
	var gotPath, gotRef, gotType string
	var gotBody clinical.Patient
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRef = r.Header.Get("X-Resource-Ref")
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"REG-42","status":"accepted"}`))
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL+"/", time.Second)
	receipt, err := reg.Submit(context.Background(), testPatient())
	require.NoError(t, err)

	assert.Equal(t, "/Patient", gotPath)
	assert.Equal(t, "Patient/p-1", gotRef)
	assert.Equal(t, "application/json", gotType)
	assert.True(t, gotBody.HasIdentifier("NRIC", "900101-10-1234"))
	assert.Equal(t, &Receipt{ID: "REG-42", Status: "accepted"}, receipt)
}

func TestRegistryEmptyBodyIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	receipt, err := NewRegistry(srv.URL, time.Second).Submit(context.Background(), testPatient())
	require.NoError(t, err)
	assert.Empty(t, receipt.ID)
}

func TestRegistryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "identifier not recognised", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewRegistry(srv.URL, time.Second).Submit(context.Background(), testPatient())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "identifier not recognised", se.Body)
	assert.Contains(t, err.Error(), "Patient/p-1")
}

func TestRegistryTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewRegistry(srv.URL, 50*time.Millisecond).Submit(context.Background(), testPatient())
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var c Client = Nop{}
	receipt, err := c.Submit(context.Background(), testPatient())
	require.NoError(t, err)
	assert.Equal(t, "skipped", receipt.Status)
}
