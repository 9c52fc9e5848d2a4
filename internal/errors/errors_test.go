package errors

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("should create an error with correct properties", func() {
			err := New(ErrorTypeValidation, "missing imei")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("missing imei"))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("should format without details or cause", func() {
			err := New(ErrorTypeValidation, "missing imei")
			Expect(err.Error()).To(Equal("validation: missing imei"))
		})

		It("should include details in the formatted message", func() {
			err := New(ErrorTypeValidation, "missing imei").WithDetails("alarm 42")
			Expect(err.Error()).To(Equal("validation: missing imei (alarm 42)"))
		})
	})

	Context("wrapping", func() {
		It("should wrap an underlying error", func() {
			cause := errors.New("dial tcp: timeout")
			err := Wrap(cause, ErrorTypeInfrastructure, "modem endpoint unreachable")

			Expect(err.Type).To(Equal(ErrorTypeInfrastructure))
			Expect(err.Cause).To(Equal(cause))
			Expect(err.Unwrap()).To(Equal(cause))
		})

		It("should format wrapped errors with arguments", func() {
			cause := errors.New("connection refused")
			err := Wrapf(cause, ErrorTypeInfrastructure, "failed to reach %s:%d", "smtp.local", 587)
			Expect(err.Message).To(Equal("failed to reach smtp.local:587"))
		})
	})

	Context("retryability", func() {
		It("marks retryable transport errors as retryable", func() {
			err := NewRetryableTransportError(errors.New("503"), "sms-modem")
			Expect(IsRetryable(err)).To(BeTrue())
		})

		It("never marks circuit breaker signals as retryable", func() {
			Expect(IsRetryable(New(ErrorTypeCircuitBreakerOpen, "open"))).To(BeFalse())
			Expect(IsRetryable(New(ErrorTypeCircuitBreakerBusy, "busy"))).To(BeFalse())
		})

		It("never marks validation errors as retryable", func() {
			Expect(IsRetryable(NewValidationError("bad payload"))).To(BeFalse())
		})

		It("treats unclassified errors as non-retryable", func() {
			Expect(IsRetryable(errors.New("plain"))).To(BeFalse())
		})
	})

	Context("type inspection", func() {
		It("extracts the classified type", func() {
			Expect(Type(NewQuotaExhaustedError("m1"))).To(Equal(ErrorTypeQuotaExhausted))
			Expect(IsType(NewQuotaExhaustedError("m1"), ErrorTypeQuotaExhausted)).To(BeTrue())
		})

		It("defaults unclassified errors to internal", func() {
			Expect(Type(errors.New("plain"))).To(Equal(ErrorTypeInternal))
		})
	})

	Context("structured logging fields", func() {
		It("includes cause and details when present", func() {
			cause := errors.New("i/o timeout")
			err := Wrapf(cause, ErrorTypeInfrastructure, "query failed").WithDetails("table: alarms")

			fields := LogFields(err)
			Expect(fields).To(HaveKeyWithValue("error_type", "infrastructure"))
			Expect(fields).To(HaveKeyWithValue("error_details", "table: alarms"))
			Expect(fields).To(HaveKeyWithValue("underlying_error", "i/o timeout"))
		})

		It("omits optional keys when absent", func() {
			fields := LogFields(NewValidationError("bad payload"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})
	})

	Context("chaining", func() {
		It("returns nil for no errors", func() {
			Expect(Chain()).To(BeNil())
		})

		It("returns the single error unchanged", func() {
			e := errors.New("solo")
			Expect(Chain(e)).To(Equal(e))
		})

		It("filters nils and joins the rest", func() {
			e1 := errors.New("first")
			e2 := errors.New("second")
			got := Chain(e1, nil, e2, nil)
			Expect(got.Error()).To(ContainSubstring("first"))
			Expect(got.Error()).To(ContainSubstring("second"))
			Expect(got.Error()).To(ContainSubstring(" -> "))
		})
	})
})
