package services

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
)

const pushTimeout = 10 * time.Second

type messageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// SessionLookup finds a driver's live session, e.g. presence.Store.Get
type SessionLookup func(key models.DriverKey) (models.DriverSession, bool)

// FCMService pushes delivery notifications to driver devices
type FCMService struct {
	client   messageSender
	sessions SessionLookup
}

// NewFCMService builds the service from an initialized Firebase app
func NewFCMService(ctx context.Context, app *firebase.App, sessions SessionLookup) (*FCMService, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return &FCMService{client: client, sessions: sessions}, nil
}

func assignmentMessage(token string, task models.DeliveryTask) *messaging.Message {
	body := "Head to the pickup location."
	if task.Pickup.Contact.BusinessName != "" {
		body = fmt.Sprintf("Pick up at %s.", task.Pickup.Contact.BusinessName)
	}
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: "New Delivery Assigned!",
			Body:  body,
		},
		Data: map[string]string{
			"type":     "delivery_assigned",
			"task_id":  task.ID,
			"order_id": task.OrderID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}
}

// SendDeliveryAssignedNotification notifies the driver a task was assigned to them
func (s *FCMService) SendDeliveryAssignedNotification(ctx context.Context, token string, task models.DeliveryTask) error {
	response, err := s.client.Send(ctx, assignmentMessage(token, task))
	if err != nil {
		return fmt.Errorf("error sending FCM message: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"driver_id": task.DriverID,
		"response":  response,
	}).Info("✅ FCM notification sent successfully")
	return nil
}

// HandleTaskEvent is a dispatch.TaskListener that pushes new in-house
// assignments. Sending happens off the caller's goroutine.
func (s *FCMService) HandleTaskEvent(ev dispatch.TaskEvent) {
	task := ev.Task
	if task.Mode != models.FulfillmentInHouse || task.Status != models.DeliveryStatusAssigned || ev.Previous != "" {
		return
	}
	session, ok := s.sessions(task.DriverKey())
	if !ok || session.PushToken == "" {
		logrus.WithField("driver_id", task.DriverID).Debug("No push token for driver, skipping notification")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := s.SendDeliveryAssignedNotification(ctx, session.PushToken, task); err != nil {
			logrus.WithError(err).WithField("task_id", task.ID).Warn("⚠️  Failed to push assignment")
		}
	}()
}
