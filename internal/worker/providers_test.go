package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_BuildsMessage(t *testing.T) {
	fake := &fakeSES{}
	s := &SESSender{client: fake, from: "noreply@example.com", logger: zap.NewNop()}
	html := "<p>hi</p>"

	id, err := s.SendEmail(context.Background(), channel.EmailMessage{
		To: "ana@example.com", Subject: "Hello", Body: "hi", HTML: &html, Tag: "friend request",
	})
	if err != nil || id != "ses-1" {
		t.Fatalf("unexpected result: %q %v", id, err)
	}

	in := fake.input
	if aws.ToString(in.Source) != "noreply@example.com" || in.Destination.ToAddresses[0] != "ana@example.com" {
		t.Errorf("unexpected addressing: %+v", in)
	}
	if in.Message.Body.Html == nil || aws.ToString(in.Message.Body.Html.Data) != html {
		t.Error("html body not set")
	}
	if aws.ToString(in.Tags[0].Value) != "friend_request" {
		t.Errorf("tag = %q", aws.ToString(in.Tags[0].Value))
	}
}

func TestSESSender_ClassifiesRejections(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("Email address is not verified")}, true},
		{"throttled", errors.New("Throttling: Maximum sending rate exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SESSender{client: &fakeSES{err: tt.err}, logger: zap.NewNop()}
			_, err := s.SendEmail(context.Background(), channel.EmailMessage{To: "x@example.com"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := channel.IsPermanent(err); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", got, tt.permanent, err)
			}
		})
	}
}

type fakePostmark struct {
	email postmark.Email
	resp  postmark.EmailResponse
	err   error
}

func (f *fakePostmark) SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.email = email
	return f.resp, f.err
}

func TestPostmarkSender(t *testing.T) {
	tests := []struct {
		name      string
		resp      postmark.EmailResponse
		err       error
		wantID    string
		wantErr   bool
		permanent bool
	}{
		{"accepted", postmark.EmailResponse{MessageID: "pm-1"}, nil, "pm-1", false, false},
		{"inactive recipient", postmark.EmailResponse{ErrorCode: 406, Message: "inactive"}, nil, "", true, true},
		{"invalid request", postmark.EmailResponse{ErrorCode: 300, Message: "invalid email"}, nil, "", true, true},
		{"rate limited", postmark.EmailResponse{ErrorCode: 429, Message: "slow down"}, nil, "", true, false},
		{"transport", postmark.EmailResponse{}, errors.New("dial tcp: timeout"), "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakePostmark{resp: tt.resp, err: tt.err}
			s := &PostmarkSender{client: fake, from: "noreply@example.com", logger: zap.NewNop()}

			id, err := s.SendEmail(context.Background(), channel.EmailMessage{To: "ana@example.com", Subject: "s", Body: "b", Tag: "digest"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.wantID {
				t.Errorf("id = %q, want %q", id, tt.wantID)
			}
			if channel.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v", channel.IsPermanent(err), tt.permanent)
			}
			if fake.email.TextBody != "b" || fake.email.Tag != "digest" || fake.email.HTMLBody != "" {
				t.Errorf("unexpected email: %+v", fake.email)
			}
		})
	}
}

type fakeFCM struct {
	batches [][]string
	icons   []string
	respond func(tokens []string) (*messaging.BatchResponse, error)
}

func (f *fakeFCM) SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.batches = append(f.batches, m.Tokens)
	if m.Webpush != nil && m.Webpush.Notification != nil {
		f.icons = append(f.icons, m.Webpush.Notification.Icon)
	}
	return f.respond(m.Tokens)
}

func TestFCMSender_ChunksTokens(t *testing.T) {
	tokens := make([]string, 1201)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}
	fake := &fakeFCM{respond: func(batch []string) (*messaging.BatchResponse, error) {
		resp := &messaging.BatchResponse{SuccessCount: len(batch)}
		for i := range batch {
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("m-%d", i)})
		}
		return resp, nil
	}}
	s := &FCMSender{client: fake, webpushIcon: "https://cdn.example.com/icon.png", logger: zap.NewNop()}

	results, err := s.SendPush(context.Background(), channel.PushMessage{Tokens: tokens, Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.batches) != 3 || len(fake.batches[0]) != 500 || len(fake.batches[2]) != 201 {
		t.Errorf("unexpected batching: %d batches", len(fake.batches))
	}
	if len(results) != 1201 || results[1200].Token != "tok-1200" {
		t.Errorf("results not aligned with tokens")
	}
	for i, icon := range fake.icons {
		if icon != "https://cdn.example.com/icon.png" {
			t.Errorf("batch %d: webpush icon %q", i, icon)
		}
	}
	if len(fake.icons) != 3 {
		t.Errorf("expected webpush config on every batch, got %d", len(fake.icons))
	}
}

func TestFCMSender_RequestFailure(t *testing.T) {
	fake := &fakeFCM{respond: func([]string) (*messaging.BatchResponse, error) {
		return nil, errors.New("oauth2: token expired")
	}}
	s := &FCMSender{client: fake, logger: zap.NewNop()}

	if _, err := s.SendPush(context.Background(), channel.PushMessage{Tokens: []string{"a"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFCMResult_PlainFailureIsTransient(t *testing.T) {
	r := fcmResult("a", &messaging.SendResponse{Error: errors.New("unavailable")})
	if r.Invalid || channel.IsPermanent(r.Err) || r.Err == nil {
		t.Errorf("unexpected result: %+v", r)
	}

	ok := fcmResult("b", &messaging.SendResponse{Success: true, MessageID: "m"})
	if ok.Err != nil || ok.MessageID != "m" {
		t.Errorf("unexpected result: %+v", ok)
	}
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	errs   map[string]error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if err := f.errs[aws.ToString(params.TargetArn)]; err != nil {
		return nil, err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-" + aws.ToString(params.TargetArn))}, nil
}

func TestSNSPushSender(t *testing.T) {
	fake := &fakeSNS{errs: map[string]error{
		"arn:disabled": &snstypes.EndpointDisabledException{Message: aws.String("Endpoint is disabled")},
		"arn:bad":      &snstypes.InvalidParameterException{Message: aws.String("bad")},
		"arn:flaky":    errors.New("connection reset"),
	}}
	s := &SNSPushSender{client: fake, logger: zap.NewNop()}

	results, err := s.SendPush(context.Background(), channel.PushMessage{
		Tokens: []string{"arn:ok", "arn:disabled", "arn:bad", "arn:flaky"},
		Title:  "Level up", Body: "You reached level 5",
		Data: map[string]string{"notification_id": "n-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].MessageID != "sns-arn:ok" {
		t.Errorf("ok: %+v", results[0])
	}
	if !results[1].Invalid {
		t.Errorf("disabled endpoint should be invalid: %+v", results[1])
	}
	if results[2].Invalid || !channel.IsPermanent(results[2].Err) {
		t.Errorf("invalid parameter should be permanent: %+v", results[2])
	}
	if results[3].Invalid || channel.IsPermanent(results[3].Err) {
		t.Errorf("network error should be transient: %+v", results[3])
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(fake.inputs[0].Message)), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if payload["default"] != "You reached level 5" || payload["GCM"] == "" || payload["APNS"] == "" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if aws.ToString(fake.inputs[0].MessageStructure) != "json" {
		t.Error("message structure should be json")
	}
}
