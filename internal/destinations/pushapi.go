package destinations

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// PushAPIConnector publishes listings to a portal's REST endpoint. The
// endpoint URL comes from the partner's destination settings; the agent
// credential supplies the bearer token.
type PushAPIConnector struct {
	name string
	caps Capabilities
	http *HTTPClient
}

// NewPushAPIConnector builds a connector for one push-API destination.
func NewPushAPIConnector(name string, client *HTTPClient) *PushAPIConnector {
	return &PushAPIConnector{
		name: name,
		caps: Capabilities{
			Mode:                    ModePushAPI,
			RequiresCredentials:     true,
			RequiresExternalAgentID: true,
			SupportsDelete:          true,
		},
		http: client,
	}
}

func (c *PushAPIConnector) Name() string               { return c.name }
func (c *PushAPIConnector) Capabilities() Capabilities { return c.caps }

func (c *PushAPIConnector) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	base, _ := in.Settings["base_url"].(string)
	if base == "" {
		return PublishResult{}, &PublishError{
			Code:      CodeHTTPError,
			Message:   "destination setting base_url is empty",
			Retryable: false,
		}
	}
	token, _ := in.Credentials["api_key"].(string)
	if token == "" {
		return PublishResult{}, &PublishError{
			Code:      CodeNoCredentials,
			Message:   "credential has no api_key",
			Retryable: false,
		}
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	body := map[string]any{
		"listing":           in.Payload,
		"external_agent_id": in.ExternalAgentID,
	}
	// Re-publishing an already-mapped listing updates in place.
	url := strings.TrimRight(base, "/") + "/listings"
	if in.ExternalListingID != "" {
		body["external_listing_id"] = in.ExternalListingID
	}

	resp, err := c.http.PostJSON(ctx, url, headers, body)
	if err != nil {
		return PublishResult{}, err
	}

	externalID, _ := resp["id"].(string)
	if externalID == "" {
		externalID = in.ExternalListingID
	}
	log.Debug().Str("destination", c.name).Str("listing", in.ListingID).
		Str("external_id", externalID).Msg("Push publish accepted")
	return PublishResult{ExternalListingID: externalID, Response: resp}, nil
}
