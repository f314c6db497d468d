package shellcache

import (
	"net/url"
	"strings"
)

// RootKey is the manifest key of the entry document.
const RootKey = "/"

// EntryKey returns the store key for a request URL: the origin-relative
// path plus query.
func EntryKey(u *url.URL) string {
	return u.RequestURI()
}

// LogicalKey maps a store key to the manifest key it stands for.
func LogicalKey(entryKey string) string {
	k := strings.TrimPrefix(entryKey, "/")
	if k == "" {
		return RootKey
	}
	return k
}

// InterceptKey maps an origin-relative request URI to the manifest key used
// for interception. Cache-busting "?v=" suffixes are dropped and the bare
// origin or a fragment-only URI resolve to RootKey.
func InterceptKey(uri string) string {
	k := strings.TrimPrefix(uri, "/")
	if i := strings.Index(k, "?v="); i >= 0 {
		k = k[:i]
	}
	if k == "" || strings.HasPrefix(k, "#") {
		return RootKey
	}
	return k
}

// uriForKey is the inverse of LogicalKey for manifest keys.
func uriForKey(key string) string {
	if key == RootKey {
		return "/"
	}
	return "/" + key
}
