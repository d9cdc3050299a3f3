package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFrame(t *testing.T) {
	cases := []struct {
		raw  string
		want frame
	}{
		{`{"message":"hi"}`, frame{kind: frameMessage, text: "hi"}},
		{` {"error":"boom"} `, frame{kind: frameError, text: "boom"}},
		{`{"message":"","error":"boom"}`, frame{kind: frameError, text: "boom"}},
		{`{"message":{"a":1}}`, frame{kind: frameMessage, text: `{"a":1}`}},
		{`{"status":"ok"}`, frame{kind: frameIgnored}},
		{"hello", frame{kind: frameRaw, text: "hello"}},
		{`"quoted"`, frame{kind: frameRaw, text: `"quoted"`}},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, parseFrame(tc.raw), tc.raw)
	}
}

func TestEventLoopRunsNestedPostsInOrder(t *testing.T) {
	var l eventLoop
	var order []int

	l.call(func() {
		order = append(order, 1)
		l.post(func() { order = append(order, 3) })
		order = append(order, 2)
	})
	l.call(func() {})

	assert.Equal(t, []int{1, 2, 3}, order)
}
