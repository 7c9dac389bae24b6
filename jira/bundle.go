package jira

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// LoadIssueBundle loads an issue with its comments, attachments and
// proposals in parallel. Concurrent bundles for the same issue share the
// upstream calls through the request cache.
func (c *Client) LoadIssueBundle(ctx context.Context, key string) (*IssueBundle, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	var b IssueBundle
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		issue, err := c.GetIssue(gctx, key)
		b.Issue = issue
		return err
	})
	g.Go(func() error {
		page, err := c.GetComments(gctx, key)
		if err == nil {
			b.Comments = page.Comments
		}
		return err
	})
	g.Go(func() error {
		atts, err := c.GetAttachments(gctx, key)
		b.Attachments = atts
		return err
	})
	g.Go(func() error {
		res, err := c.GetProposals(gctx, key)
		if err == nil {
			b.Proposals = res.Issues
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &b, nil
}
