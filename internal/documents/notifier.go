package documents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/users"
	"go.uber.org/zap"
)

const defaultStageSubject = "Stage changed: %s"

// MaybeNotify mails the watchers of a document whose stage field changed.
// Mandatory watchers come from the configured required fields, opt-in
// watchers from the watching field minus anyone already mandatory. It does
// nothing when the collection has no notification settings or the stage did
// not change.
func (s *Service) MaybeNotify(ctx context.Context, address Address, newFields map[string]any, previousStage any, actor string) error {
	collection, err := s.resolve(opNotify, address)
	if err != nil {
		return err
	}
	config := collection.Notifications()
	if config == nil || config.StageField == "" || s.mailer == nil {
		return nil
	}
	stage, ok := newFields[config.StageField]
	if !ok || stage == nil {
		return nil
	}
	if previousStage != nil && schema.Equal(stage, previousStage) {
		return nil
	}

	mandatoryIDs := make([]string, 0)
	mandatory := make(map[string]struct{})
	for _, fieldName := range config.RequiredFields {
		for _, id := range userIDs(newFields[fieldName]) {
			if _, dup := mandatory[id]; dup {
				continue
			}
			mandatory[id] = struct{}{}
			mandatoryIDs = append(mandatoryIDs, id)
		}
	}
	optInIDs := make([]string, 0)
	if config.WatchingField != "" {
		for _, id := range userIDs(newFields[config.WatchingField]) {
			if _, dup := mandatory[id]; dup {
				continue
			}
			mandatory[id] = struct{}{}
			optInIDs = append(optInIDs, id)
		}
	}
	if len(mandatoryIDs) == 0 && len(optInIDs) == 0 {
		return nil
	}

	name := fmt.Sprint(newFields["name"])
	if newFields["name"] == nil {
		name = address.ItemID
	}
	change := notify.StageChange{
		Tenant:        address.Tenant,
		Collection:    address.Collection,
		ItemID:        address.ItemID,
		DocumentName:  name,
		PreviousStage: previousStage,
		Stage:         stage,
		Actor:         actor,
		Link:          s.documentLink(address),
	}
	subject := fmt.Sprintf(defaultStageSubject, name)
	if config.Subject != "" {
		subject = strings.ReplaceAll(config.Subject, "{name}", name)
	}

	var sendErrs []error
	for _, group := range []struct {
		ids       []string
		mandatory bool
	}{
		{ids: optInIDs, mandatory: false},
		{ids: mandatoryIDs, mandatory: true},
	} {
		if len(group.ids) == 0 {
			continue
		}
		if err := s.sendStageChange(ctx, collection, address, change, subject, group.ids, group.mandatory); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}
	return errors.Join(sendErrs...)
}

func (s *Service) sendStageChange(ctx context.Context, collection *tenant.Collection, address Address, change notify.StageChange, subject string, ids []string, mandatory bool) error {
	recipients, err := collection.LookupUsers(ctx, ids)
	if err != nil {
		s.logError(opNotify, reasonLookupFailed, err, identity(address)...)
		return newServiceError(opNotify, reasonLookupFailed, err)
	}
	to := emailsOf(recipients)
	if len(to) == 0 {
		return nil
	}
	body, err := notify.RenderStageChange(change, mandatory)
	if err != nil {
		s.logError(opNotify, reasonRenderFailed, err, identity(address)...)
		return newServiceError(opNotify, reasonRenderFailed, err)
	}
	if err := s.mailer.Send(ctx, notify.Message{To: to, Subject: subject, HTML: body}); err != nil {
		s.logError(opNotify, reasonSendFailed, err, append(identity(address), zap.Bool("mandatory", mandatory))...)
		return newServiceError(opNotify, reasonSendFailed, err)
	}
	return nil
}

func (s *Service) documentLink(address Address) string {
	if s.appURL == "" {
		return ""
	}
	return strings.TrimRight(s.appURL, "/") + "/" + url.PathEscape(address.Tenant) + "/" +
		url.PathEscape(address.Collection) + "/" + url.PathEscape(address.ItemID)
}

// userIDs accepts a user id, a reference, or a list of either.
func userIDs(value any) []string {
	ids, err := schema.ReferenceIDs(value)
	if err != nil {
		return nil
	}
	canonical := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = users.CanonicalID(id); id != "" {
			canonical = append(canonical, id)
		}
	}
	return canonical
}

func emailsOf(recipients []users.User) []string {
	emails := make([]string, 0, len(recipients))
	for _, user := range recipients {
		if user.Email != "" {
			emails = append(emails, user.Email)
		}
	}
	return emails
}
