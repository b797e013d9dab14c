// Package email sends workspace notification mail via SMTP.
package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured returns true if mail can be sent; callers skip sending
// otherwise.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) Send(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))
	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendWorkspaceInvite notifies a user they were added to a workspace.
func (s *Service) SendWorkspaceInvite(to, workspaceName, invitedBy string) error {
	subject := fmt.Sprintf("You were added to %s", workspaceName)
	body := fmt.Sprintf(
		"%s added you to the workspace %q.\n\nSign in to see its board, chat, and announcements.\n",
		invitedBy, workspaceName,
	)
	return s.Send([]string{to}, subject, body)
}
