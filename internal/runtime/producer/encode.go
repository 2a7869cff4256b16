package producer

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/jsoncodec"
)

// Content types set on published messages.
const (
	ContentTypeText = "text/plain"
	ContentTypeJSON = "application/json"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Encode turns a payload into a message body: strings and byte slices go out
// as text/plain, proto messages as protojson and everything else as JSON.
func Encode(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "", werrors.ErrPayloadRequired
	case string:
		return []byte(v), ContentTypeText, nil
	case []byte:
		return v, ContentTypeText, nil
	case proto.Message:
		body, err := protoJSONMarshalOptions.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal proto payload: %w", err)
		}
		return body, ContentTypeJSON, nil
	default:
		body, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		return body, ContentTypeJSON, nil
	}
}
