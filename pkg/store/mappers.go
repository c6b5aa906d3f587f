package store

import (
	"encoding/json"

	"gorm.io/datatypes"

	"avatarforge/pkg/domain"
)

func datatypesJSON(raw []byte) datatypes.JSON {
	return datatypes.JSON(raw)
}

func avatarToRecord(a domain.Avatar) AvatarRecord {
	return AvatarRecord{
		ID:                 a.ID,
		OwnerID:            a.OwnerID,
		Name:               a.Name,
		Status:             string(a.Status),
		Source:             string(a.Source),
		ProcessingProgress: a.ProcessingProgress,
		ProcessingMessage:  a.ProcessingMessage,
		ErrorMessage:       a.ErrorMessage,
		ModelURL:           a.ModelURL,
		BodyType:           string(a.BodyType),
		ConfidenceScore:    a.ConfidenceScore,
		IsDefault:          a.IsDefault,
		Deleted:            a.Deleted,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func avatarFromRecord(m AvatarRecord) domain.Avatar {
	return domain.Avatar{
		ID:                 m.ID,
		OwnerID:            m.OwnerID,
		Name:               m.Name,
		Status:             domain.AvatarStatus(m.Status),
		Source:             domain.AvatarSource(m.Source),
		ProcessingProgress: m.ProcessingProgress,
		ProcessingMessage:  m.ProcessingMessage,
		ErrorMessage:       m.ErrorMessage,
		ModelURL:           m.ModelURL,
		BodyType:           domain.BodyType(m.BodyType),
		ConfidenceScore:    m.ConfidenceScore,
		IsDefault:          m.IsDefault,
		Deleted:            m.Deleted,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func photoToRecord(p domain.Photo) PhotoRecord {
	var validation datatypes.JSON
	if p.Validation != nil {
		raw, _ := json.Marshal(p.Validation)
		validation = raw
	}
	return PhotoRecord{
		ID:           p.ID,
		AvatarID:     p.AvatarID,
		Type:         string(p.Type),
		Status:       string(p.Status),
		OriginalKey:  p.OriginalKey,
		OriginalURL:  p.OriginalURL,
		ProcessedKey: p.ProcessedKey,
		ProcessedURL: p.ProcessedURL,
		Validation:   validation,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func photoFromRecord(m PhotoRecord) domain.Photo {
	var validation *domain.PhotoValidation
	if len(m.Validation) > 0 {
		validation = &domain.PhotoValidation{}
		_ = json.Unmarshal(m.Validation, validation)
	}
	return domain.Photo{
		ID:           m.ID,
		AvatarID:     m.AvatarID,
		Type:         domain.PhotoType(m.Type),
		Status:       domain.PhotoStatus(m.Status),
		OriginalKey:  m.OriginalKey,
		OriginalURL:  m.OriginalURL,
		ProcessedKey: m.ProcessedKey,
		ProcessedURL: m.ProcessedURL,
		Validation:   validation,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func measurementToRecord(m domain.Measurement) (MeasurementRecord, error) {
	var landmarks datatypes.JSON
	if m.Landmarks != nil {
		raw, err := json.Marshal(m.Landmarks)
		if err != nil {
			return MeasurementRecord{}, err
		}
		landmarks = raw
	}
	return MeasurementRecord{
		ID:                 m.ID,
		AvatarID:           m.AvatarID,
		Unit:               string(m.Unit),
		Source:             string(m.Source),
		Height:             m.Height,
		ShoulderWidth:      m.ShoulderWidth,
		ChestCircumference: m.ChestCircumference,
		WaistCircumference: m.WaistCircumference,
		HipCircumference:   m.HipCircumference,
		NeckCircumference:  m.NeckCircumference,
		ThighCircumference: m.ThighCircumference,
		ArmLength:          m.ArmLength,
		Inseam:             m.Inseam,
		UpperArm:           m.UpperArm,
		Forearm:            m.Forearm,
		Wrist:              m.Wrist,
		Calf:               m.Calf,
		Ankle:              m.Ankle,
		TorsoLength:        m.TorsoLength,
		LegLength:          m.LegLength,
		FootLength:         m.FootLength,
		HeadCircumference:  m.HeadCircumference,
		ShoulderToWaist:    m.ShoulderToWaist,
		WaistToHip:         m.WaistToHip,
		ConfidenceScore:    m.ConfidenceScore,
		Landmarks:          landmarks,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

func measurementFromRecord(m MeasurementRecord) (domain.Measurement, error) {
	var landmarks *domain.Landmarks
	if len(m.Landmarks) > 0 {
		landmarks = &domain.Landmarks{}
		if err := json.Unmarshal(m.Landmarks, landmarks); err != nil {
			return domain.Measurement{}, err
		}
	}
	return domain.Measurement{
		ID:                 m.ID,
		AvatarID:           m.AvatarID,
		Unit:               domain.MeasurementUnit(m.Unit),
		Source:             domain.MeasurementSource(m.Source),
		Height:             m.Height,
		ShoulderWidth:      m.ShoulderWidth,
		ChestCircumference: m.ChestCircumference,
		WaistCircumference: m.WaistCircumference,
		HipCircumference:   m.HipCircumference,
		NeckCircumference:  m.NeckCircumference,
		ThighCircumference: m.ThighCircumference,
		ArmLength:          m.ArmLength,
		Inseam:             m.Inseam,
		UpperArm:           m.UpperArm,
		Forearm:            m.Forearm,
		Wrist:              m.Wrist,
		Calf:               m.Calf,
		Ankle:              m.Ankle,
		TorsoLength:        m.TorsoLength,
		LegLength:          m.LegLength,
		FootLength:         m.FootLength,
		HeadCircumference:  m.HeadCircumference,
		ShoulderToWaist:    m.ShoulderToWaist,
		WaistToHip:         m.WaistToHip,
		ConfidenceScore:    m.ConfidenceScore,
		Landmarks:          landmarks,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

func jobToRecord(j domain.ProcessingJob) (ProcessingJobRecord, error) {
	input, err := json.Marshal(j.InputData)
	if err != nil {
		return ProcessingJobRecord{}, err
	}
	var result datatypes.JSON
	if j.ResultData != nil {
		raw, err := json.Marshal(j.ResultData)
		if err != nil {
			return ProcessingJobRecord{}, err
		}
		result = raw
	}
	return ProcessingJobRecord{
		ID:                   j.ID,
		AvatarID:             j.AvatarID,
		OwnerID:              j.OwnerID,
		JobType:              string(j.JobType),
		Status:               string(j.Status),
		Priority:             j.Priority,
		Progress:             j.Progress,
		CurrentStep:          j.CurrentStep,
		AttemptNumber:        j.AttemptNumber,
		MaxAttempts:          j.MaxAttempts,
		InputData:            input,
		ResultData:           result,
		ErrorMessage:         j.ErrorMessage,
		ErrorCode:            j.ErrorCode,
		CreatedAt:            j.CreatedAt,
		QueuedAt:             j.QueuedAt,
		StartedAt:            j.StartedAt,
		CompletedAt:          j.CompletedAt,
		ProcessingDurationMs: j.ProcessingDurationMs,
		UpdatedAt:            j.UpdatedAt,
	}, nil
}

func jobFromRecord(m ProcessingJobRecord) (domain.ProcessingJob, error) {
	var input domain.JobInput
	if len(m.InputData) > 0 {
		if err := json.Unmarshal(m.InputData, &input); err != nil {
			return domain.ProcessingJob{}, err
		}
	}
	var result *domain.JobResult
	if len(m.ResultData) > 0 {
		result = &domain.JobResult{}
		if err := json.Unmarshal(m.ResultData, result); err != nil {
			return domain.ProcessingJob{}, err
		}
	}
	return domain.ProcessingJob{
		ID:                   m.ID,
		AvatarID:             m.AvatarID,
		OwnerID:              m.OwnerID,
		JobType:              domain.JobType(m.JobType),
		Status:               domain.JobStatus(m.Status),
		Priority:             m.Priority,
		Progress:             m.Progress,
		CurrentStep:          m.CurrentStep,
		AttemptNumber:        m.AttemptNumber,
		MaxAttempts:          m.MaxAttempts,
		InputData:            input,
		ResultData:           result,
		ErrorMessage:         m.ErrorMessage,
		ErrorCode:            m.ErrorCode,
		CreatedAt:            m.CreatedAt,
		QueuedAt:             m.QueuedAt,
		StartedAt:            m.StartedAt,
		CompletedAt:          m.CompletedAt,
		ProcessingDurationMs: m.ProcessingDurationMs,
		UpdatedAt:            m.UpdatedAt,
	}, nil
}
