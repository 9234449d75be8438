package directory

import (
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/xcrystal627/commune/pkg/keys"
)

const DefaultPrefix = "modnet:"

// Open picks a backend: the directory server at url when set, the shared
// redis registry when rdb is set, otherwise a process-local Memory.
func Open(url string, rdb *redis.Client, prefix string, signer keys.Signer, client *http.Client) Directory {
	if url = strings.TrimSpace(url); url != "" {
		return NewHTTPClient(url, signer, client)
	}
	if rdb != nil {
		if prefix == "" {
			prefix = DefaultPrefix
		}
		return NewRedis(rdb, prefix)
	}
	return NewMemory()
}
