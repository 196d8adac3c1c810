package recordvalidator

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/cespare/xxhash/v2"
)

// DocumentID derives the coordination cache key for a document without a
// full unmarshal. The key is "<resourceType>/<id>"; documents without an id
// fall back to a content hash so distinct anonymous documents never collide
// on a shared key.
func DocumentID(document []byte) (string, error) {
	resourceType, err := jsonparser.GetString(document, "resourceType")
	if err != nil {
		return "", Wrap(err, CodeProcess, "document has no resourceType")
	}

	id, err := jsonparser.GetString(document, "id")
	if err == nil && id != "" {
		return resourceType + "/" + id, nil
	}

	return fmt.Sprintf("%s/xxh64:%016x", resourceType, xxhash.Sum64(document)), nil
}
