package toolsurface

import (
	"context"

	"github.com/google/uuid"

	"github.com/kdlbs/taskbroker/internal/apperrors"
	"github.com/kdlbs/taskbroker/internal/domain"
)

type reviewCommentView struct {
	CommentID string  `json:"commentId"`
	TaskID    string  `json:"taskId"`
	Author    string  `json:"author"`
	Body      string  `json:"body"`
	Resolved  bool    `json:"resolved"`
	Response  string  `json:"response,omitempty"`
}

func viewOfComment(c *domain.ReviewComment) reviewCommentView {
	return reviewCommentView{
		CommentID: c.ID, TaskID: c.TaskID, Author: c.Author, Body: c.Body,
		Resolved: c.Resolved, Response: c.Response,
	}
}

// submit_review: {taskId, author, body [required], decision?
// "approve"|"reject"} -> records a review comment and, when decision is
// given, advances IN_REVIEW -> APPROVED_QUEUED or REJECTED.
func handleSubmitReview(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	author := stringArg(args, "author")
	body := stringArg(args, "body")
	if taskID == "" || author == "" || body == "" {
		return errorEnvelope(apperrors.Validation("taskId, author, and body are required"))
	}

	comment := &domain.ReviewComment{
		ID: uuid.NewString(), TaskID: taskID, Author: author, Body: body, CreatedAt: d.Clock.Now(),
	}
	if err := d.Store.InsertReviewComment(ctx, comment); err != nil {
		return errorEnvelope(err)
	}

	switch stringArg(args, "decision") {
	case "approve":
		if err := d.Queue.UpdateStatus(ctx, taskID, domain.TaskApprovedQueued, "review approved"); err != nil {
			return errorEnvelope(err)
		}
	case "reject":
		if err := d.Queue.UpdateStatus(ctx, taskID, domain.TaskRejected, body); err != nil {
			return errorEnvelope(err)
		}
	}
	return jsonEnvelope(viewOfComment(comment))
}

// get_review_comments: {taskId [required], unresolvedOnly?} -> every review
// comment for the task.
func handleGetReviewComments(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	taskID := stringArg(args, "taskId")
	if taskID == "" {
		return errorEnvelope(apperrors.Validation("taskId is required"))
	}
	comments, err := d.Store.ListReviewComments(ctx, taskID, boolArg(args, "unresolvedOnly"))
	if err != nil {
		return errorEnvelope(err)
	}
	views := make([]reviewCommentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, viewOfComment(c))
	}
	return jsonEnvelope(views)
}

// resolve_review_comment: {commentId [required], response?} -> {ok:true}.
func handleResolveReviewComment(ctx context.Context, d *Deps, args map[string]interface{}) Envelope {
	commentID := stringArg(args, "commentId")
	if commentID == "" {
		return errorEnvelope(apperrors.Validation("commentId is required"))
	}
	if err := d.Store.ResolveReviewComment(ctx, commentID, stringArg(args, "response")); err != nil {
		return errorEnvelope(err)
	}
	return jsonEnvelope(map[string]any{"ok": true})
}
