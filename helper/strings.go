package helper

import (
	"strings"
	"sync/atomic"
)

// QuoteIdentifier wraps s in the open and close quote strings, doubling any embedded close quote.
func QuoteIdentifier(s string, open string, close string) string {
	return open + strings.ReplaceAll(s, close, close+close) + close
}

// QuoteIdentifiers applies QuoteIdentifier to each of s.
func QuoteIdentifiers(s []string, open string, close string) []string {
	retval := make([]string, len(s))
	for idx, v := range s {
		retval[idx] = QuoteIdentifier(v, open, close)
	}
	return retval
}

// AtomBool is a bool that is safe for concurrent use.
type AtomBool struct{ flag int32 }

func (b *AtomBool) Set(value bool) {
	var i int32 = 0
	if value {
		i = 1
	}
	atomic.StoreInt32(&(b.flag), i)
}

func (b *AtomBool) Get() bool {
	return atomic.LoadInt32(&(b.flag)) != 0
}
