package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

type fakeDynamo struct {
	getOut          *dynamodb.GetItemOutput
	getErr          error
	putErr          error
	updateErr       error
	queryOut        *dynamodb.QueryOutput
	queryErr        error
	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastQueryIn     *dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	c, err := New(db, "test-table", opts...)
	require.NoError(t, err)
	return c
}

func sval(t *testing.T, av types.AttributeValue) string {
	t.Helper()
	s, ok := av.(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute is %T", av)
	return s.Value
}

func nval(t *testing.T, av types.AttributeValue) string {
	t.Helper()
	n, ok := av.(*types.AttributeValueMemberN)
	require.True(t, ok, "attribute is %T", av)
	return n.Value
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "test-table")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestClassify(t *testing.T) {
	err := classify("op", &types.ConditionalCheckFailedException{})
	require.ErrorIs(t, err, domain.ErrConflict)

	err = classify("op", &smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "expired"})
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	err = classify("op", errors.New("boom"))
	require.NotErrorIs(t, err, domain.ErrConflict)
	require.NotErrorIs(t, err, domain.ErrSessionExpired)
	require.ErrorContains(t, err, "repository: op: boom")
}

func TestGetEntitlement_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: entitlementItem(domain.Entitlement{
		UserID:           "u1",
		Email:            "a@b.c",
		Plan:             domain.PlanPro,
		UsageCounter:     1000,
		Accounting:       domain.AccountingInterviews,
		LastChargeID:     "iv-1",
		UpdatedAt:        fixedNow,
		StripeCustomerID: "cus_1",
	})}}
	c := mustNewClient(t, db)

	e, err := c.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", e.UserID)
	require.Equal(t, domain.PlanPro, e.Plan)
	require.Equal(t, 1000, e.UsageCounter)
	require.Equal(t, domain.AccountingInterviews, e.Accounting)
	require.Equal(t, "iv-1", e.LastChargeID)
	require.True(t, fixedNow.Equal(e.UpdatedAt))
	require.Equal(t, "cus_1", e.StripeCustomerID)

	require.Equal(t, "USER#u1", sval(t, db.lastGetInput.Key["PK"]))
	require.Equal(t, skProfile, sval(t, db.lastGetInput.Key["SK"]))
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetEntitlement_LegacyRowDecodesAsLegacyAccounting(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":           sAttr("USER#u1"),
		"SK":           sAttr(skProfile),
		"userId":       sAttr("u1"),
		"usageCounter": nAttr(2400),
	}}}
	c := mustNewClient(t, db)

	e, err := c.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, domain.PlanFree, e.Plan)
	require.Equal(t, 2400, e.UsageCounter)
	require.Equal(t, domain.AccountingLegacyTokens, e.Accounting)
}

func TestGetEntitlement_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetEntitlement(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	c = mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err = c.GetEntitlement(context.Background(), "u1")
	require.ErrorContains(t, err, "GetEntitlement")

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"userId":       sAttr("u1"),
		"usageCounter": sAttr("bad"),
	}}})
	_, err = c.GetEntitlement(context.Background(), "u1")
	require.ErrorContains(t, err, "usageCounter")
}

func TestCreateEntitlement(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.CreateEntitlement(context.Background(), domain.Entitlement{
		UserID:     "u1",
		Plan:       domain.PlanFree,
		Accounting: domain.AccountingInterviews,
		UpdatedAt:  fixedNow,
	})
	require.NoError(t, err)
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "0", nval(t, db.lastPutInput.Item["usageCounter"]))
	require.Equal(t, "1", nval(t, db.lastPutInput.Item["accounting"]))
	require.NotContains(t, db.lastPutInput.Item, "GSI1PK")

	db.putErr = &types.ConditionalCheckFailedException{}
	err = c.CreateEntitlement(context.Background(), domain.Entitlement{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrConflict)

	err = c.CreateEntitlement(context.Background(), domain.Entitlement{})
	require.ErrorContains(t, err, "user id")
}

func TestUpdateUsage_ConditionalOnExpectedCounter(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.UpdateUsage(context.Background(), domain.Entitlement{
		UserID:       "u1",
		UsageCounter: 2000,
		Accounting:   domain.AccountingInterviews,
		LastChargeID: "iv-2",
		UpdatedAt:    fixedNow,
	}, 1000)
	require.NoError(t, err)

	in := db.lastUpdateInput
	require.Equal(t, "attribute_exists(PK) AND usageCounter = :expected", *in.ConditionExpression)
	require.Equal(t, "1000", nval(t, in.ExpressionAttributeValues[":expected"]))
	require.Equal(t, "2000", nval(t, in.ExpressionAttributeValues[":next"]))
	require.Equal(t, "iv-2", sval(t, in.ExpressionAttributeValues[":charge"]))
}

func TestUpdateUsage_Errors(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	err := c.UpdateUsage(context.Background(), domain.Entitlement{UserID: "u1"}, 0)
	require.ErrorIs(t, err, domain.ErrConflict)

	db.updateErr = &smithy.GenericAPIError{Code: "ExpiredToken"}
	err = c.UpdateUsage(context.Background(), domain.Entitlement{UserID: "u1"}, 0)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	err = c.UpdateUsage(context.Background(), domain.Entitlement{}, 0)
	require.ErrorContains(t, err, "user id")
}

func TestSetPlan_Upgrade(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SetPlan(context.Background(), domain.PlanChange{
		UserID:             "u1",
		Plan:               domain.PlanPro,
		StripeCustomerID:   "cus_1",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: "active",
		PeriodEnd:          fixedNow.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	in := db.lastUpdateInput
	expr := *in.UpdateExpression
	require.Contains(t, expr, "#plan = :plan")
	require.Contains(t, expr, "usageCounter = if_not_exists(usageCounter, :zero)")
	require.Contains(t, expr, "GSI1PK = :gsi")
	require.NotContains(t, expr, "REMOVE")
	require.Equal(t, "plan", in.ExpressionAttributeNames["#plan"])
	require.Equal(t, "pro", sval(t, in.ExpressionAttributeValues[":plan"]))
	require.Equal(t, "CUSTOMER#cus_1", sval(t, in.ExpressionAttributeValues[":gsi"]))
	require.Nil(t, in.ConditionExpression)
}

func TestSetPlan_DowngradeClearsSubscription(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SetPlan(context.Background(), domain.PlanChange{
		UserID:             "u1",
		Plan:               domain.PlanFree,
		SubscriptionStatus: "canceled",
	})
	require.NoError(t, err)
	require.Contains(t, *db.lastUpdateInput.UpdateExpression, "REMOVE subscriptionId, subscriptionPeriodEnd")
	require.NotContains(t, db.lastUpdateInput.ExpressionAttributeValues, ":customer")
}

func TestSetPlan_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.ErrorContains(t, c.SetPlan(context.Background(), domain.PlanChange{Plan: domain.PlanPro}), "user id")
	require.ErrorContains(t, c.SetPlan(context.Background(), domain.PlanChange{UserID: "u1", Plan: "gold"}), "invalid plan")
}

func TestUserIDForCustomer(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		{"userId": sAttr("u1")},
	}}}
	c := mustNewClient(t, db)

	uid, err := c.UserIDForCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Equal(t, "u1", uid)
	require.Equal(t, customerIndex, *db.lastQueryIn.IndexName)
	require.Equal(t, "CUSTOMER#cus_1", sval(t, db.lastQueryIn.ExpressionAttributeValues[":pk"]))

	db.queryOut = &dynamodb.QueryOutput{}
	_, err = c.UserIDForCustomer(context.Background(), "cus_2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveAndListInterviews(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db, WithInterviewRetention(24*time.Hour))

	rec := domain.InterviewRecord{
		ID:     "iv-1",
		UserID: "u1",
		Job:    &domain.JobData{JobTitle: "Engineer", CompanyName: "Acme"},
		Transcript: []domain.Turn{
			{ID: "t1", Role: domain.RoleAssistant, Text: "Why Acme?", IsFinal: true, Timestamp: fixedNow},
		},
		TokensUsed:      1234,
		QuestionCount:   1,
		DurationSeconds: 90,
		EndReason:       "manual",
	}
	require.NoError(t, c.SaveInterview(context.Background(), rec))

	item := db.lastPutInput.Item
	require.Equal(t, "USER#u1", sval(t, item["PK"]))
	require.Equal(t, interviewSK(fixedNow, "iv-1"), sval(t, item["SK"]))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, nval(t, nAttr(fixedNow.Add(24*time.Hour).Unix())), nval(t, item["ttl"]))
	require.NotContains(t, item, "resume")

	db.queryOut = &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}
	recs, err := c.ListInterviews(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	require.Equal(t, "iv-1", got.ID)
	require.Equal(t, "Acme", got.Job.CompanyName)
	require.Nil(t, got.Resume)
	require.Len(t, got.Transcript, 1)
	require.Equal(t, "Why Acme?", got.Transcript[0].Text)
	require.Equal(t, 1234, got.TokensUsed)
	require.True(t, fixedNow.Equal(got.CreatedAt))

	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(defaultListLimit), *db.lastQueryIn.Limit)
	require.Equal(t, skPrefixInterview, sval(t, db.lastQueryIn.ExpressionAttributeValues[":prefix"]))
}

func TestSaveInterview_Errors(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	err := c.SaveInterview(context.Background(), domain.InterviewRecord{ID: "iv-1", UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NotContains(t, db.lastPutInput.Item, "ttl")

	err = c.SaveInterview(context.Background(), domain.InterviewRecord{UserID: "u1"})
	require.ErrorContains(t, err, "required")
}

func TestListInterviews_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.ListInterviews(context.Background(), "u1", 5)
	require.ErrorContains(t, err, "ListInterviews")

	c = mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		{"interviewId": sAttr("iv-1"), "userId": sAttr("u1"), "transcript": sAttr("{not json")},
	}}})
	_, err = c.ListInterviews(context.Background(), "u1", 5)
	require.ErrorContains(t, err, "transcript")
}
