package cache

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Key builds the fingerprint for a resource and its request options.
// Header names are canonicalised and sorted so the order they were set in
// does not matter; values keep their order. Headers and body are folded
// into an md5 digest to keep keys short.
func Key(resource string, req *Request) string {
	method := http.MethodGet
	var header http.Header
	var body []byte
	if req != nil {
		if req.Method != "" {
			method = strings.ToUpper(req.Method)
		}
		header = req.Header
		body = req.Body
	}

	key := method + " " + resource
	if len(header) == 0 && len(body) == 0 {
		return key
	}

	raw := make([]string, 0, len(header))
	for name := range header {
		raw = append(raw, name)
	}
	sort.Strings(raw)

	names := make([]string, 0, len(raw))
	canon := make(map[string][]string, len(raw))
	for _, name := range raw {
		cn := http.CanonicalHeaderKey(name)
		if _, seen := canon[cn]; !seen {
			names = append(names, cn)
		}
		canon[cn] = append(canon[cn], header[name]...)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		// \x00 and \x01 can't appear in header names or values
		fmt.Fprintf(h, "%s\x00%s\x01", name, strings.Join(canon[name], "\x00"))
	}
	h.Write([]byte{0x02})
	h.Write(body)

	return fmt.Sprintf("%s #%x", key, h.Sum(nil))
}
