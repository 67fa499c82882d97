package poll

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	ghclient "github.com/p-blackswan/pipeline-sentinel/internal/github"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// GitHubFetcher resolves each task's PR by its task label and gathers
// comments, check runs, reviews, and mergeability in one polling round.
type GitHubFetcher struct {
	client *ghclient.Client
	owner  string
	repo   string
	logger zerolog.Logger
}

// NewGitHubFetcher creates a fetcher for one repository.
func NewGitHubFetcher(client *ghclient.Client, owner, repo string, logger zerolog.Logger) *GitHubFetcher {
	return &GitHubFetcher{
		client: client,
		owner:  owner,
		repo:   repo,
		logger: logger.With().Str("component", "poll-github").Logger(),
	}
}

// FetchPR returns the current PR state for a task, or nil when no PR with
// the task label exists yet.
func (f *GitHubFetcher) FetchPR(ctx context.Context, taskID string) (*Result, error) {
	api, err := f.client.API(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	number, err := f.findPR(ctx, api, taskID)
	if err != nil {
		return nil, err
	}
	if number == 0 {
		return nil, nil
	}

	pr, _, err := api.PullRequests.Get(ctx, f.owner, f.repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting PR #%d: %w", number, err)
	}

	res := &Result{
		PRNumber:   number,
		Mergeable:  pr.Mergeable,
		MergeState: pr.GetMergeableState(),
		PolledAt:   time.Now(),
	}

	if err := f.fetchComments(ctx, api, number, res); err != nil {
		return nil, err
	}
	if err := f.fetchReviews(ctx, api, number, res); err != nil {
		return nil, err
	}
	if sha := pr.GetHead().GetSHA(); sha != "" {
		if err := f.fetchChecks(ctx, api, sha, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// findPR locates the open PR labeled for this task.
func (f *GitHubFetcher) findPR(ctx context.Context, api *gogithub.Client, taskID string) (int, error) {
	issues, _, err := api.Issues.ListByRepo(ctx, f.owner, f.repo, &gogithub.IssueListByRepoOptions{
		Labels:      []string{"task-" + taskID},
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 10},
	})
	if err != nil {
		return 0, fmt.Errorf("listing issues for task %s: %w", taskID, err)
	}
	for _, is := range issues {
		if is.IsPullRequest() {
			return is.GetNumber(), nil
		}
	}
	return 0, nil
}

func (f *GitHubFetcher) fetchComments(ctx context.Context, api *gogithub.Client, number int, res *Result) error {
	opts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := api.Issues.ListComments(ctx, f.owner, f.repo, number, opts)
		if err != nil {
			return fmt.Errorf("listing comments: %w", err)
		}
		for _, c := range comments {
			res.Comments = append(res.Comments, model.CommentRecord{
				ID:             c.GetID(),
				Author:         c.GetUser().GetLogin(),
				CreatedAt:      c.GetCreatedAt().Time,
				BodyExcerpt:    Excerpt(c.GetBody()),
				Classification: Classify(c.GetBody()),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return nil
}

func (f *GitHubFetcher) fetchReviews(ctx context.Context, api *gogithub.Client, number int, res *Result) error {
	reviews, _, err := api.PullRequests.ListReviews(ctx, f.owner, f.repo, number, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return fmt.Errorf("listing reviews: %w", err)
	}
	for _, r := range reviews {
		res.Reviews = append(res.Reviews, model.Review{
			Author: r.GetUser().GetLogin(),
			State:  r.GetState(),
		})
	}
	return nil
}

func (f *GitHubFetcher) fetchChecks(ctx context.Context, api *gogithub.Client, sha string, res *Result) error {
	runs, _, err := api.Checks.ListCheckRunsForRef(ctx, f.owner, f.repo, sha, &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return fmt.Errorf("listing check runs: %w", err)
	}
	for _, run := range runs.CheckRuns {
		cr := model.CheckResult{
			Name:       run.GetName(),
			Conclusion: run.GetConclusion(),
		}
		if t := run.GetCompletedAt(); !t.IsZero() {
			cr.CompletedAt = t.Time
		}
		res.Checks = append(res.Checks, cr)
	}
	return nil
}
