package chat

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/rs/zerolog/log"
)

// QueuePoller is the long-polling alternative to WebhookHandler: it
// repeatedly receives up to 10 messages with a 10-second wait, deletes
// them from the queue once read, decodes each body as a webhookEnvelope,
// and resolves it to a message the same way the webhook variant does.
type QueuePoller struct {
	Client   *Client
	Messages chan<- InboundMessage

	sqs      *sqs.SQS
	queueURL string
}

// NewQueuePoller builds a poller against queueURL in region, sharing
// client for message resolution.
func NewQueuePoller(client *Client, queueURL, region string, messages chan<- InboundMessage) (*QueuePoller, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &QueuePoller{
		Client:   client,
		Messages: messages,
		sqs:      sqs.New(sess),
		queueURL: queueURL,
	}, nil
}

// Run polls until ctx is cancelled. Each receive error is logged and
// retried on the next iteration; this mirrors the original's "log the
// errors and skip" behavior rather than treating a single failed poll
// as fatal.
func (p *QueuePoller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.pollOnce(ctx)
	}
}

func (p *QueuePoller) pollOnce(ctx context.Context) {
	out, err := p.sqs.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		WaitTimeSeconds:     aws.Int64(10),
		MaxNumberOfMessages: aws.Int64(10),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("failed to receive sqs message")
		return
	}
	if len(out.Messages) == 0 {
		return
	}

	entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(out.Messages))
	for i, m := range out.Messages {
		if m.ReceiptHandle == nil {
			continue
		}
		entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: m.ReceiptHandle,
		})
	}
	if len(entries) > 0 {
		if _, err := p.sqs.DeleteMessageBatchWithContext(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to delete consumed sqs messages")
		}
	}

	for _, m := range out.Messages {
		if m.Body == nil {
			continue
		}
		p.handleBody(ctx, *m.Body)
	}
}

func (p *QueuePoller) handleBody(ctx context.Context, body string) {
	var envelope webhookEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		log.Warn().Err(err).Msg("failed to parse sqs message body as a webhook envelope")
		return
	}

	msg, err := fetchMessage(ctx, p.Client, envelope.Data.PersonID, envelope.Data.ID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", envelope.Data.ID).Msg("failed to resolve sqs message pointer")
		return
	}
	if msg == nil {
		return
	}

	select {
	case p.Messages <- *msg:
	default:
		log.Warn().Str("person_id", msg.PersonID).Msg("inbound chat message queue full, dropping")
	}
}
