package agentstate

import (
	"errors"
	"os"
)

var errSentinel = errors.New("sentinel test error")

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
