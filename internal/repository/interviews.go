package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

const defaultListLimit = 20

// SaveInterview archives a finished interview. Saving the same record twice
// is reported as domain.ErrConflict.
func (c *Client) SaveInterview(ctx context.Context, rec domain.InterviewRecord) error {
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.ID) == "" {
		return errors.New("repository: SaveInterview: user id and interview id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now().UTC()
	}
	item, err := c.interviewItem(rec)
	if err != nil {
		return fmt.Errorf("repository: SaveInterview encode: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return classify("SaveInterview", err)
	}
	return nil
}

// ListInterviews returns the user's archived interviews, newest first.
func (c *Client) ListInterviews(ctx context.Context, userID string, limit int) ([]domain.InterviewRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(userPK(userID)),
			":prefix": sAttr(skPrefixInterview),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classify("ListInterviews", err)
	}
	if out == nil {
		return nil, nil
	}

	recs := make([]domain.InterviewRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToInterview(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListInterviews decode: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (c *Client) interviewItem(rec domain.InterviewRecord) (map[string]types.AttributeValue, error) {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"PK":              sAttr(userPK(rec.UserID)),
		"SK":              sAttr(interviewSK(rec.CreatedAt, rec.ID)),
		"interviewId":     sAttr(rec.ID),
		"userId":          sAttr(rec.UserID),
		"transcript":      sAttr(string(transcript)),
		"tokensUsed":      nAttr(int64(rec.TokensUsed)),
		"questionCount":   nAttr(int64(rec.QuestionCount)),
		"durationSeconds": nAttr(int64(rec.DurationSeconds)),
		"endReason":       sAttr(rec.EndReason),
		"createdAt":       timeAttr(rec.CreatedAt),
	}
	if rec.Job != nil {
		b, err := json.Marshal(rec.Job)
		if err != nil {
			return nil, err
		}
		item["job"] = sAttr(string(b))
	}
	if rec.Resume != nil {
		b, err := json.Marshal(rec.Resume)
		if err != nil {
			return nil, err
		}
		item["resume"] = sAttr(string(b))
	}
	if c.retention > 0 {
		item["ttl"] = nAttr(rec.CreatedAt.Add(c.retention).Unix())
	}
	return item, nil
}

func itemToInterview(item map[string]types.AttributeValue) (domain.InterviewRecord, error) {
	var rec domain.InterviewRecord
	var err error
	if rec.ID, err = strAttr(item, "interviewId"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.TokensUsed, err = optIntAttr(item, "tokensUsed"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.QuestionCount, err = optIntAttr(item, "questionCount"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.DurationSeconds, err = optIntAttr(item, "durationSeconds"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.EndReason, err = optStrAttr(item, "endReason"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if rec.CreatedAt, err = optTimeAttr(item, "createdAt"); err != nil {
		return domain.InterviewRecord{}, err
	}
	if err := jsonAttr(item, "transcript", &rec.Transcript); err != nil {
		return domain.InterviewRecord{}, err
	}
	if _, ok := item["job"]; ok {
		rec.Job = &domain.JobData{}
		if err := jsonAttr(item, "job", rec.Job); err != nil {
			return domain.InterviewRecord{}, err
		}
	}
	if _, ok := item["resume"]; ok {
		rec.Resume = &domain.ResumeData{}
		if err := jsonAttr(item, "resume", rec.Resume); err != nil {
			return domain.InterviewRecord{}, err
		}
	}
	return rec, nil
}

func jsonAttr(item map[string]types.AttributeValue, key string, dst any) error {
	s, err := optStrAttr(item, key)
	if err != nil || s == "" {
		return err
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("repository: decode attribute %q: %w", key, err)
	}
	return nil
}
