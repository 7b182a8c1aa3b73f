// Package service implements the call_service action's target surface
// (spec §9 component L): a name-keyed registry of external services a
// rule can invoke, with per-service rate limiting. The email and SMS
// services are grounded directly on the teacher's sendEmailViaSendGrid
// and sendSMS methods (internal/notification.Manager), generalized
// from the teacher's fixed Notification struct to the call_service
// action's arbitrary positional args, and from a per-manager global
// rate limiter map to one limiter per registered service.
package service

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/ruleforge/engine/internal/config"
	"github.com/ruleforge/engine/internal/errs"
)

// Service is a callable target for the call_service action.
type Service interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Registry is a name-keyed set of Services.
type Registry struct {
	services map[string]Service
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds or replaces the service available under name.
func (r *Registry) Register(name string, svc Service) {
	r.services[name] = svc
}

// Call dispatches to the registered service, implementing the
// action.ServiceCaller interface.
func (r *Registry) Call(ctx context.Context, serviceName, method string, args []any) (any, error) {
	svc, ok := r.services[serviceName]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "service %q not registered", serviceName)
	}
	return svc.Call(ctx, method, args)
}

// EmailService sends email through SendGrid, matching the teacher's
// sendEmailViaSendGrid call shape.
type EmailService struct {
	cfg     config.EmailConfig
	client  *sendgrid.Client
	limiter *rate.Limiter
}

// NewEmailService creates a SendGrid-backed email service rate
// limited to cfg.RateLimitPerMin calls per minute.
func NewEmailService(cfg config.EmailConfig) *EmailService {
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 60
	}
	return &EmailService{
		cfg:     cfg,
		client:  sendgrid.NewSendClient(cfg.APIKey),
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
	}
}

// Call supports method "send" with args [to, subject, body].
func (s *EmailService) Call(ctx context.Context, method string, args []any) (any, error) {
	if method != "send" {
		return nil, errs.Newf(errs.InvalidArgument, "email service does not support method %q", method)
	}
	if len(args) < 3 {
		return nil, errs.New(errs.InvalidArgument, "email send requires [to, subject, body]")
	}
	to, okTo := args[0].(string)
	subject, okSubject := args[1].(string)
	body, okBody := args[2].(string)
	if !okTo || !okSubject || !okBody {
		return nil, errs.New(errs.InvalidArgument, "email send args must be strings")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress)
	recipient := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, recipient, body, body)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("sending email via sendgrid: %w", err)
	}
	messageID := ""
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}
	return messageID, nil
}

// SMSService sends SMS through Twilio, matching the teacher's sendSMS
// call shape.
type SMSService struct {
	cfg     config.SMSConfig
	client  *twilio.RestClient
	limiter *rate.Limiter
}

// NewSMSService creates a Twilio-backed SMS service rate limited to
// cfg.RateLimitPerMin calls per minute.
func NewSMSService(cfg config.SMSConfig) *SMSService {
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 60
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSService{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
	}
}

// Call supports method "send" with args [to, body].
func (s *SMSService) Call(ctx context.Context, method string, args []any) (any, error) {
	if method != "send" {
		return nil, errs.Newf(errs.InvalidArgument, "sms service does not support method %q", method)
	}
	if len(args) < 2 {
		return nil, errs.New(errs.InvalidArgument, "sms send requires [to, body]")
	}
	to, okTo := args[0].(string)
	body, okBody := args[1].(string)
	if !okTo || !okBody {
		return nil, errs.New(errs.InvalidArgument, "sms send args must be strings")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return nil, fmt.Errorf("sending sms via twilio: %w", err)
	}
	if resp.Sid != nil {
		return *resp.Sid, nil
	}
	return "", nil
}
