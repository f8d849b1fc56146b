package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// GetEntitlement reads the user's profile row. A missing row is reported as
// domain.ErrNotFound.
func (c *Client) GetEntitlement(ctx context.Context, userID string) (domain.Entitlement, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": sAttr(userPK(userID)),
			"SK": sAttr(skProfile),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Entitlement{}, classify("GetEntitlement", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Entitlement{}, fmt.Errorf("repository: GetEntitlement %q: %w", userID, domain.ErrNotFound)
	}
	e, err := itemToEntitlement(out.Item)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("repository: GetEntitlement decode: %w", err)
	}
	return e, nil
}

// CreateEntitlement writes a new profile row, failing with domain.ErrConflict
// when one already exists.
func (c *Client) CreateEntitlement(ctx context.Context, e domain.Entitlement) error {
	if strings.TrimSpace(e.UserID) == "" {
		return errors.New("repository: CreateEntitlement: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                entitlementItem(e),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return classify("CreateEntitlement", err)
	}
	return nil
}

// UpdateUsage writes the metered fields of next only while the stored counter
// equals expected.
func (c *Client) UpdateUsage(ctx context.Context, next domain.Entitlement, expected int) error {
	if strings.TrimSpace(next.UserID) == "" {
		return errors.New("repository: UpdateUsage: user id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": sAttr(userPK(next.UserID)),
			"SK": sAttr(skProfile),
		},
		UpdateExpression:    aws.String("SET usageCounter = :next, accounting = :accounting, lastChargeId = :charge, updatedAt = :updated"),
		ConditionExpression: aws.String("attribute_exists(PK) AND usageCounter = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":       nAttr(int64(next.UsageCounter)),
			":accounting": nAttr(int64(next.Accounting)),
			":charge":     sAttr(next.LastChargeID),
			":updated":    timeAttr(next.UpdatedAt),
			":expected":   nAttr(int64(expected)),
		},
	})
	if err != nil {
		return classify("UpdateUsage", err)
	}
	return nil
}

// SetPlan applies a billing change. The profile row is created with a zero
// counter when the webhook arrives before the user's first sign-in.
func (c *Client) SetPlan(ctx context.Context, change domain.PlanChange) error {
	if strings.TrimSpace(change.UserID) == "" {
		return errors.New("repository: SetPlan: user id is required")
	}
	if change.Plan != domain.PlanFree && change.Plan != domain.PlanPro {
		return fmt.Errorf("repository: SetPlan: invalid plan %q", change.Plan)
	}

	set := []string{
		"#plan = :plan",
		"subscriptionStatus = :status",
		"userId = :uid",
		"updatedAt = :updated",
		"usageCounter = if_not_exists(usageCounter, :zero)",
		"accounting = if_not_exists(accounting, :accounting)",
	}
	var remove []string
	values := map[string]types.AttributeValue{
		":plan":       sAttr(string(change.Plan)),
		":status":     sAttr(change.SubscriptionStatus),
		":uid":        sAttr(change.UserID),
		":updated":    timeAttr(c.now()),
		":zero":       nAttr(0),
		":accounting": nAttr(domain.AccountingInterviews),
	}
	if change.StripeCustomerID != "" {
		set = append(set, "stripeCustomerId = :customer", "GSI1PK = :gsi")
		values[":customer"] = sAttr(change.StripeCustomerID)
		values[":gsi"] = sAttr(customerPK(change.StripeCustomerID))
	}
	if change.SubscriptionID != "" {
		set = append(set, "subscriptionId = :sub")
		values[":sub"] = sAttr(change.SubscriptionID)
	} else {
		remove = append(remove, "subscriptionId")
	}
	if !change.PeriodEnd.IsZero() {
		set = append(set, "subscriptionPeriodEnd = :end")
		values[":end"] = timeAttr(change.PeriodEnd)
	} else {
		remove = append(remove, "subscriptionPeriodEnd")
	}

	expr := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		expr += " REMOVE " + strings.Join(remove, ", ")
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": sAttr(userPK(change.UserID)),
			"SK": sAttr(skProfile),
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#plan": "plan"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return classify("SetPlan", err)
	}
	return nil
}

// UserIDForCustomer resolves a billing customer to the user it was linked to
// at checkout.
func (c *Client) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", errors.New("repository: UserIDForCustomer: customer id is required")
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(customerIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(customerPK(customerID)),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", classify("UserIDForCustomer", err)
	}
	if out == nil || len(out.Items) == 0 {
		return "", fmt.Errorf("repository: UserIDForCustomer %q: %w", customerID, domain.ErrNotFound)
	}
	uid, err := strAttr(out.Items[0], "userId")
	if err != nil {
		return "", fmt.Errorf("repository: UserIDForCustomer decode: %w", err)
	}
	return uid, nil
}

func entitlementItem(e domain.Entitlement) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           sAttr(userPK(e.UserID)),
		"SK":           sAttr(skProfile),
		"userId":       sAttr(e.UserID),
		"email":        sAttr(e.Email),
		"plan":         sAttr(string(e.Plan)),
		"usageCounter": nAttr(int64(e.UsageCounter)),
		"accounting":   nAttr(int64(e.Accounting)),
		"lastChargeId": sAttr(e.LastChargeID),
		"updatedAt":    timeAttr(e.UpdatedAt),
	}
	if e.StripeCustomerID != "" {
		item["stripeCustomerId"] = sAttr(e.StripeCustomerID)
		item["GSI1PK"] = sAttr(customerPK(e.StripeCustomerID))
	}
	if e.SubscriptionID != "" {
		item["subscriptionId"] = sAttr(e.SubscriptionID)
	}
	if e.SubscriptionStatus != "" {
		item["subscriptionStatus"] = sAttr(e.SubscriptionStatus)
	}
	if !e.SubscriptionPeriodEnd.IsZero() {
		item["subscriptionPeriodEnd"] = timeAttr(e.SubscriptionPeriodEnd)
	}
	return item
}

func itemToEntitlement(item map[string]types.AttributeValue) (domain.Entitlement, error) {
	var e domain.Entitlement
	var err error
	if e.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.Entitlement{}, err
	}
	plan, err := optStrAttr(item, "plan")
	if err != nil {
		return domain.Entitlement{}, err
	}
	e.Plan = domain.Plan(plan)
	if e.Plan == "" {
		e.Plan = domain.PlanFree
	}
	if e.UsageCounter, err = optIntAttr(item, "usageCounter"); err != nil {
		return domain.Entitlement{}, err
	}
	// Rows written before the accounting marker existed decode as legacy.
	if e.Accounting, err = optIntAttr(item, "accounting"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.Email, err = optStrAttr(item, "email"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.LastChargeID, err = optStrAttr(item, "lastChargeId"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.UpdatedAt, err = optTimeAttr(item, "updatedAt"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.StripeCustomerID, err = optStrAttr(item, "stripeCustomerId"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.SubscriptionID, err = optStrAttr(item, "subscriptionId"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.SubscriptionStatus, err = optStrAttr(item, "subscriptionStatus"); err != nil {
		return domain.Entitlement{}, err
	}
	if e.SubscriptionPeriodEnd, err = optTimeAttr(item, "subscriptionPeriodEnd"); err != nil {
		return domain.Entitlement{}, err
	}
	return e, nil
}
