package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
)

// SideEffect описывает действие, выполняемое вместе со сменой статуса посылки.
type SideEffect int

const (
	// EffectNone означает, что смена статуса не затрагивает реестр.
	EffectNone SideEffect = iota
	// EffectBillArrival создаёт или обновляет активную транзакцию за прибытие посылки.
	EffectBillArrival
)

type transition struct {
	from model.PackageStatus
	to   model.PackageStatus
}

// transitions перечисляет переходы с побочным действием.
// Переходы, которых нет в таблице, разрешены и ничего не делают.
var transitions = map[transition]SideEffect{
	{model.PackageStatusInTransit, model.PackageStatusIndia}: EffectBillArrival,
}

// TransitionEffect возвращает побочное действие перехода from -> to.
func TransitionEffect(from, to model.PackageStatus) SideEffect {
	return transitions[transition{from: from, to: to}]
}

// StatusChangeRequest описывает запрос сотрудника на смену статуса посылки.
type StatusChangeRequest struct {
	Status          model.PackageStatus
	CurrentLocation *string
}

// ApplyStatusChange меняет статус посылки и выполняет связанное с переходом действие.
// Посылка и транзакция записываются в одной транзакции БД; при конкурентном изменении
// посылки операция перечитывает её и повторяется.
func (s *Service) ApplyStatusChange(ctx context.Context, caller model.Caller, packageID uuid.UUID, req StatusChangeRequest) (*model.Package, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, apperr.Validation("unknown package status %q", req.Status)
	}

	var location *string
	if req.CurrentLocation != nil {
		if loc := strings.TrimSpace(*req.CurrentLocation); loc != "" {
			location = &loc
		}
	}

	var res *repository.StatusChangeResult
	err := s.retryStale(ctx, func(ctx context.Context) error {
		pkg, err := s.repo.GetPackage(ctx, packageID)
		if err != nil {
			return err
		}

		change := repository.StatusChange{
			PackageID: pkg.ID,
			Version:   pkg.Version,
			Status:    req.Status,
			Location:  location,
		}
		if TransitionEffect(pkg.Status, req.Status) == EffectBillArrival {
			change.Billing = s.arrivalBilling(pkg)
		}

		res, err = s.repo.ApplyStatusChange(ctx, change)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Transaction != nil {
		s.logger.Info("arrival billing applied",
			zap.String("package_id", packageID.String()),
			zap.String("transaction_id", res.Transaction.ID.String()),
			zap.Bool("created", res.Created),
		)
	}

	return res.Package, nil
}

func (s *Service) arrivalBilling(pkg *model.Package) *repository.BillingUpsert {
	return &repository.BillingUpsert{
		Event:            model.BillingEventArrival,
		UserID:           pkg.UserID,
		Description:      arrivalDescription(pkg),
		Currency:         s.gateway.Currency(),
		Dimensions:       pkg.Dimensions,
		VolumetricWeight: pkg.VolumetricWeight,
		VolumetricUnit:   pkg.VolumetricUnit,
	}
}

// arrivalDescription формирует описание транзакции по текущим весу и страховке посылки.
func arrivalDescription(pkg *model.Package) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Shipping charges for package %s", pkg.TrackingCode)
	fmt.Fprintf(&b, ", weight %s %s", formatWeight(pkg.Weight), pkg.WeightUnit)
	if pkg.VolumetricWeight > 0 {
		fmt.Fprintf(&b, ", volumetric weight %s %s", formatWeight(pkg.VolumetricWeight), pkg.VolumetricUnit)
	}
	if pkg.InsurancePlan != "" {
		fmt.Fprintf(&b, ", insurance: %s", pkg.InsurancePlan)
	} else {
		b.WriteString(", no insurance")
	}
	return b.String()
}

func formatWeight(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

// GetPackage возвращает посылку владельцу или сотруднику.
func (s *Service) GetPackage(ctx context.Context, caller model.Caller, packageID uuid.UUID) (*model.Package, error) {
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(caller, pkg.UserID); err != nil {
		return nil, err
	}
	return pkg, nil
}
