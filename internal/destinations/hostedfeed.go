package destinations

import "context"

// HostedFeedConnector covers destinations that consume a hosted feed
// file instead of a push API, whether the hub serves it (hosted_feed)
// or the destination fetches it on its own schedule (pull_only).
// Listings reach them when the feed engine rebuilds the snapshot, so
// the per-listing publish is a synthetic success that merely records
// the synced hash.
type HostedFeedConnector struct {
	name      string
	mode      string
	inclusion string
}

func NewHostedFeedConnector(name string) *HostedFeedConnector {
	return &HostedFeedConnector{name: name, mode: ModeHostedFeed, inclusion: InclusionExcludeInactive}
}

func NewPullOnlyConnector(name string) *HostedFeedConnector {
	return &HostedFeedConnector{name: name, mode: ModePullOnly, inclusion: InclusionExcludeInactive}
}

// WithInclusion overrides the listing inclusion policy declared in the
// connector's capabilities.
func (c *HostedFeedConnector) WithInclusion(policy string) *HostedFeedConnector {
	c.inclusion = policy
	return c
}

func (c *HostedFeedConnector) Name() string { return c.name }

func (c *HostedFeedConnector) Capabilities() Capabilities {
	return Capabilities{Mode: c.mode, ListingInclusion: c.inclusion}
}

func (c *HostedFeedConnector) Publish(_ context.Context, in PublishInput) (PublishResult, error) {
	return PublishResult{
		ExternalListingID: in.ExternalListingID,
		Response:          map[string]any{"mode": c.mode, "detail": "hosted_feed_noop"},
	}, nil
}
