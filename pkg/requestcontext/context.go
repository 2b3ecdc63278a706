// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// This package defines context keys and getter/setter functions for values that are
// typically set by middleware but consumed by services. By keeping this package free
// of net/http dependencies, services can import only what they need without pulling
// in HTTP-related code.
package requestcontext

import (
	"context"

	id "caretrack/pkg/domain"
)

// Role is the coarse authorization role attached to the acting user.
// The lifecycle state machine only distinguishes the assigned caregiver
// from coordinators; everything finer-grained lives outside this subsystem.
type Role string

const (
	RoleCaregiver   Role = "caregiver"
	RoleCoordinator Role = "coordinator"
)

type (
	caregiverIDKey struct{}
	roleKey        struct{}
	deviceIDKey    struct{}
	devicePlatKey  struct{}
	requestIDKey   struct{}
)

// WithCaregiverID stores the acting caregiver's identity.
func WithCaregiverID(ctx context.Context, caregiverID id.CaregiverID) context.Context {
	return context.WithValue(ctx, caregiverIDKey{}, caregiverID)
}

// CaregiverID returns the acting caregiver, or the zero value when unauthenticated.
func CaregiverID(ctx context.Context) id.CaregiverID {
	v, _ := ctx.Value(caregiverIDKey{}).(id.CaregiverID)
	return v
}

// WithRole stores the acting user's role.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// ActorRole returns the acting user's role, defaulting to caregiver.
func ActorRole(ctx context.Context) Role {
	if v, ok := ctx.Value(roleKey{}).(Role); ok {
		return v
	}
	return RoleCaregiver
}

// WithDeviceID stores the originating device identifier.
func WithDeviceID(ctx context.Context, deviceID id.DeviceID) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, deviceID)
}

// DeviceID returns the originating device identifier, if any.
func DeviceID(ctx context.Context) id.DeviceID {
	v, _ := ctx.Value(deviceIDKey{}).(id.DeviceID)
	return v
}

// WithDevicePlatform stores the parsed device platform (e.g. "Android 14").
func WithDevicePlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, devicePlatKey{}, platform)
}

// DevicePlatform returns the parsed device platform string, if any.
func DevicePlatform(ctx context.Context) string {
	v, _ := ctx.Value(devicePlatKey{}).(string)
	return v
}

// WithRequestID stores the correlation id for the current request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the correlation id for the current request, if any.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
