package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShapes(t *testing.T) {
	want := []Entry{
		{SenderID: "12", Content: "hello doctor"},
		{Content: "plain line"},
	}

	cases := map[string]string{
		"nested": `{"History": {"history": ["12: hello doctor", "plain line"]}}`,
		"flat":   `{"history": ["12: hello doctor", "plain line"]}`,
		"bare":   ` ["12: hello doctor", "plain line"] `,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Normalize([]byte(body), "12", "34")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestNormalizeUnknownShape(t *testing.T) {
	for _, body := range []string{``, `{"messages": []}`, `"text"`, `42`} {
		_, err := Normalize([]byte(body))
		require.ErrorIs(t, err, ErrUnknownShape, body)
	}
}

func TestNormalizeSkipsNonText(t *testing.T) {
	got, err := Normalize([]byte(`["a", 3, {"x": 1}, null, "", "b"]`))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Content: "a"}, {Content: "b"}}, got)
}

func TestSplitSender(t *testing.T) {
	participants := []string{"pat-1", "doc-7"}
	cases := []struct {
		in   string
		want Entry
	}{
		{"doc-7: hi", Entry{SenderID: "doc-7", Content: "hi"}},
		{"pat-1: time is 10: 30", Entry{SenderID: "pat-1", Content: "time is 10: 30"}},
		{"no prefix here", Entry{Content: "no prefix here"}},
		{"doc-7:no space", Entry{Content: "doc-7:no space"}},
		{"Hi: are you there?", Entry{Content: "Hi: are you there?"}},
		{"doc-77: someone else", Entry{Content: "doc-77: someone else"}},
		{"two words: not an id", Entry{Content: "two words: not an id"}},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, splitSender(tc.in, participants), tc.in)
	}
}

func TestNormalizeKeepsColonInPlainLines(t *testing.T) {
	got, err := Normalize([]byte(`["Hi: are you there?", "doc-7: yes"]`), "pat-1", "doc-7")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Content: "Hi: are you there?"},
		{SenderID: "doc-7", Content: "yes"},
	}, got)

	got, err = Normalize([]byte(`["doc-7: yes"]`))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Content: "doc-7: yes"}}, got, "no participants, no split")
}

func TestLoaderSendsBearerAndParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/history/doc-7", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"History": {"history": ["doc-7: a", "pat-1: b", "Re: c"]}}`))
	}))
	defer srv.Close()

	loader := NewLoader(srv.URL+"/api/", time.Second)
	got := loader.Load(context.Background(), "pat-1", "doc-7", "tok")

	assert.Equal(t, []Entry{
		{SenderID: "doc-7", Content: "a"},
		{SenderID: "pat-1", Content: "b"},
		{Content: "Re: c"},
	}, got)
}

func TestLoaderDegradesOnFailure(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		loader := NewLoader(srv.URL, time.Second)
		_, err := loader.Fetch(context.Background(), "pat-1", "doc-7", "tok")
		require.ErrorContains(t, err, "500")

		got := loader.Load(context.Background(), "pat-1", "doc-7", "tok")
		require.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("network", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		got := NewLoader(url, time.Second).Load(context.Background(), "pat-1", "doc-7", "tok")
		assert.Empty(t, got)
	})

	t.Run("garbage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>nope</html>`))
		}))
		defer srv.Close()

		got := NewLoader(srv.URL, time.Second).Load(context.Background(), "pat-1", "doc-7", "tok")
		assert.Empty(t, got)
	})
}
