package relaycsv

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationSchemaURL = "notification.json"

// Only the first record is read; the rest of the S3 event is ignored.
const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["Records"],
	"properties": {
		"Records": {
			"type": "array",
			"minItems": 1,
			"prefixItems": [{
				"type": "object",
				"required": ["s3"],
				"properties": {
					"s3": {
						"type": "object",
						"required": ["object"],
						"properties": {
							"object": {
								"type": "object",
								"required": ["key"],
								"properties": {"key": {"type": "string", "minLength": 1}}
							}
						}
					}
				}
			}]
		}
	}
}`

var compileNotificationSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(notificationSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(notificationSchemaURL)
})

type s3Event struct {
	Records []s3EventRecord `json:"Records"`
}

type s3EventRecord struct {
	EventSource string `json:"eventSource,omitempty"`
	EventName   string `json:"eventName,omitempty"`
	S3          struct {
		Bucket struct {
			Name string `json:"name,omitempty"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// DecodeNotification returns the document key named by an S3 event
// notification body. Keys arrive form-encoded, so '+' decodes to a space.
func DecodeNotification(body string) (string, error) {
	schema, err := compileNotificationSchema()
	if err != nil {
		return "", err
	}
	raw, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := schema.Validate(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	var event s3Event
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	key, err := url.QueryUnescape(event.Records[0].S3.Object.Key)
	if err != nil {
		return "", fmt.Errorf("%w: key: %v", ErrInvalidNotification, err)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidNotification)
	}
	return key, nil
}

// EncodeNotification builds a single-record S3 event for key.
func EncodeNotification(bucket, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	record := s3EventRecord{EventSource: "aws:s3", EventName: "ObjectCreated:Put"}
	record.S3.Bucket.Name = bucket
	record.S3.Object.Key = strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
	data, err := json.Marshal(s3Event{Records: []s3EventRecord{record}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
