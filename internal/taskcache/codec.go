package taskcache

import (
	"encoding/json"

	"github.com/firsttry-dev/firsttry/internal/statestore"
)

// encodeResult and decodeResult are the wire format for remote cache blobs:
// the same JSON shape statestore.Store persists locally, so a remote hit
// materializes into the local cache without translation.
func encodeResult(result statestore.TaskResult) ([]byte, error) {
	return json.Marshal(result)
}

func decodeResult(blob []byte) (statestore.TaskResult, bool) {
	var result statestore.TaskResult
	if err := json.Unmarshal(blob, &result); err != nil {
		return statestore.TaskResult{}, false
	}
	if result.ExitCode != 0 {
		return statestore.TaskResult{}, false
	}
	return result, true
}
