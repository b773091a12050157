package docrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// overdueBatchSize はリマインド処理で1回に取得する書類依頼の件数。
const overdueBatchSize = 100

// Notifier は通知を作成する。notification.Serviceが実装する。
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification, dedupeKey string) (bool, error)
}

// CreateInput は書類依頼の作成内容。
type CreateInput struct {
	ClientID     string
	DocumentType string
	Note         string
	Priority     model.Priority
	DueDate      time.Time
}

// Service は書類依頼のサービス層。
// 作成・一覧・ステータス遷移・期限超過のリマインドを提供する。
type Service struct {
	repo     repository.DocumentRequestRepository
	users    repository.UserRepository
	notifier Notifier
	bus      events.Bus
	now      func() time.Time
}

// NewService はServiceを生成する。notifierとbusはnilでもよい。
func NewService(
	repo repository.DocumentRequestRepository,
	users repository.UserRepository,
	notifier Notifier,
	bus events.Bus,
) *Service {
	return &Service{repo: repo, users: users, notifier: notifier, bus: bus, now: time.Now}
}

// Create は税理士または管理者が顧客への書類依頼を作成する。
// 税理士は自分が担当する顧客にのみ依頼できる。
func (s *Service) Create(ctx context.Context, actor *auth.Identity, in CreateInput) (*model.DocumentRequest, error) {
	if !actor.Role.IsStaff() {
		return nil, model.NewForbiddenError()
	}
	in.DocumentType = strings.TrimSpace(in.DocumentType)
	if in.DocumentType == "" {
		return nil, model.NewInvalidRequestError("書類の種類を指定してください")
	}
	if in.DueDate.IsZero() {
		return nil, model.NewInvalidRequestError("期限を指定してください")
	}
	priority, err := parsePriority(in.Priority)
	if err != nil {
		return nil, err
	}

	client, err := s.users.FindByID(ctx, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("顧客の取得に失敗しました: %w", err)
	}
	if client == nil || auth.ParseRole(client.Role) != auth.RoleClient {
		return nil, model.NewUserNotFoundError()
	}
	if actor.Role == auth.RoleTaxPro && client.AssignedProfessionalID != actor.SubjectID {
		return nil, model.NewForbiddenError()
	}

	professionalID := actor.SubjectID
	if actor.Role == auth.RoleAdmin && client.AssignedProfessionalID != "" {
		professionalID = client.AssignedProfessionalID
	}

	now := s.now().UTC()
	req := &model.DocumentRequest{
		ID:             uuid.NewString(),
		ClientID:       client.ID,
		ProfessionalID: professionalID,
		DocumentType:   in.DocumentType,
		Note:           strings.TrimSpace(in.Note),
		Priority:       priority,
		Status:         model.DocumentRequestPending,
		DueDate:        in.DueDate.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("書類依頼の作成に失敗しました: %w", err)
	}

	s.publish(ctx, req)
	s.notify(ctx, req.ClientID, model.NotificationTypeDocumentRequested, "書類の提出依頼",
		fmt.Sprintf("%sの提出をお願いします。", req.DocumentType), req, "")
	return req, nil
}

// List はactorに関係する書類依頼を作成日時の降順で返す。
// 顧客は自分宛て、税理士は自分の担当する依頼、管理者はすべての依頼を参照する。
func (s *Service) List(ctx context.Context, actor *auth.Identity, token string, limit int) (model.Page[model.DocumentRequest], error) {
	var (
		page model.Page[model.DocumentRequest]
		err  error
	)
	switch actor.Role {
	case auth.RoleClient:
		page, err = s.repo.ListByClient(ctx, actor.SubjectID, token, limit)
	case auth.RoleTaxPro:
		page, err = s.repo.ListByProfessional(ctx, actor.SubjectID, token, limit)
	case auth.RoleAdmin:
		page, err = s.repo.ListAll(ctx, token, limit)
	default:
		return model.Page[model.DocumentRequest]{}, model.NewForbiddenError()
	}
	if err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return model.Page[model.DocumentRequest]{}, model.NewInvalidContinuationTokenError()
		}
		return model.Page[model.DocumentRequest]{}, fmt.Errorf("書類依頼一覧の取得に失敗しました: %w", err)
	}
	return page, nil
}

// Get は書類依頼を返す。閲覧できない依頼は見つからない扱いにする。
func (s *Service) Get(ctx context.Context, actor *auth.Identity, id string) (*model.DocumentRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("書類依頼の取得に失敗しました: %w", err)
	}
	if req == nil || !canView(actor, req) {
		return nil, model.NewDocumentRequestNotFoundError(id)
	}
	return req, nil
}

// Transition は書類依頼のステータスを変更する。
// 許可されていない遷移は INVALID_STATUS_TRANSITION、当事者でない場合は FORBIDDEN を返す。
// 提出（uploaded）にはfulfilledPathが必要。
func (s *Service) Transition(ctx context.Context, actor *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error) {
	req, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	from := req.Status
	if !CanTransition(from, to) {
		return nil, model.NewInvalidTransitionError(from, to)
	}
	if !mayPerform(actor, req, to) {
		return nil, model.NewForbiddenError()
	}
	fulfilledPath = strings.TrimSpace(fulfilledPath)
	if to == model.DocumentRequestUploaded && !strings.HasPrefix(fulfilledPath, "/") {
		return nil, model.NewInvalidRequestError("提出するファイルのパスを指定してください")
	}

	apply(req, to, fulfilledPath, s.now().UTC())
	ok, err := s.repo.UpdateStatus(ctx, req, from)
	if err != nil {
		return nil, fmt.Errorf("書類依頼の更新に失敗しました: %w", err)
	}
	if !ok {
		// 並行して別の遷移が先に成功した
		current, err := s.repo.FindByID(ctx, id)
		if err != nil || current == nil {
			return nil, model.NewDocumentRequestNotFoundError(id)
		}
		return nil, model.NewInvalidTransitionError(current.Status, to)
	}

	slog.InfoContext(ctx, "document request transitioned",
		slog.String("id", req.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", actor.SubjectID),
	)

	s.publish(ctx, req)
	switch to {
	case model.DocumentRequestUploaded:
		s.notify(ctx, req.ProfessionalID, model.NotificationTypeDocumentUploaded, "書類が提出されました",
			fmt.Sprintf("%sが提出されました。", req.DocumentType), req, "")
	case model.DocumentRequestApproved:
		s.notify(ctx, req.ClientID, model.NotificationTypeDocumentReviewed, "書類が承認されました",
			fmt.Sprintf("%sが承認されました。", req.DocumentType), req, "")
	case model.DocumentRequestRejected:
		s.notify(ctx, req.ClientID, model.NotificationTypeDocumentReviewed, "書類が差し戻されました",
			fmt.Sprintf("%sを再提出してください。", req.DocumentType), req, "")
	}
	return req, nil
}

// RemindOverdue は期限を過ぎたpendingの依頼について顧客に緊急通知を作成する。
// 同じ依頼への通知は1日1回まで。対象をすべて読み終えるまでページを進め、作成した通知の件数を返す。
func (s *Service) RemindOverdue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	created := 0
	var after *repository.OverdueCursor
	for {
		overdue, err := s.repo.ListOverdue(ctx, now, after, overdueBatchSize)
		if err != nil {
			return created, fmt.Errorf("期限超過の書類依頼の取得に失敗しました: %w", err)
		}
		if len(overdue) == 0 {
			return created, nil
		}

		for _, req := range overdue {
			if ctx.Err() != nil {
				return created, ctx.Err()
			}
			key := fmt.Sprintf("overdue:%s:%s", req.ID, now.Format(time.DateOnly))
			reminder := *req
			reminder.Priority = model.PriorityUrgent
			if s.notify(ctx, req.ClientID, model.NotificationTypeDocumentOverdue, "提出期限を過ぎています",
				fmt.Sprintf("%sの提出期限（%s）を過ぎています。", req.DocumentType, req.DueDate.Format(time.DateOnly)), &reminder, key) {
				created++
			}
		}

		last := overdue[len(overdue)-1]
		after = &repository.OverdueCursor{DueDate: last.DueDate, ID: last.ID}
	}
}

func parsePriority(p model.Priority) (model.Priority, error) {
	switch p {
	case "":
		return model.PriorityNormal, nil
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
		return p, nil
	default:
		return "", model.NewInvalidRequestError(fmt.Sprintf("優先度が不正です: %s", p))
	}
}

// publish は依頼の当事者双方と管理者のトピックにdocument_request.updatedを発行する。
func (s *Service) publish(ctx context.Context, req *model.DocumentRequest) {
	if s.bus == nil {
		return
	}
	err := events.Publish(ctx, s.bus, events.TypeDocumentRequestUpdated, req.ID, req,
		events.UserTopic(req.ClientID), events.UserTopic(req.ProfessionalID), events.AdminTopic)
	if err != nil {
		slog.WarnContext(ctx, "書類依頼イベントの発行に失敗しました",
			slog.String("id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// notify は通知を作成し、作成されたかどうかを返す。失敗はログに残すだけにする。
func (s *Service) notify(ctx context.Context, userID string, typ model.NotificationType, title, description string, req *model.DocumentRequest, dedupeKey string) bool {
	if s.notifier == nil || userID == "" {
		return false
	}
	n := &model.Notification{
		UserID:      userID,
		Type:        typ,
		Title:       title,
		Description: description,
		Priority:    req.Priority,
		RelatedPath: req.FulfilledPath,
	}
	created, err := s.notifier.Notify(ctx, n, dedupeKey)
	if err != nil {
		slog.WarnContext(ctx, "書類依頼の通知作成に失敗しました",
			slog.String("id", req.ID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return created
}
