// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxOrderQuantity — верхняя граница размера партии кодов в одном заказе.
const MaxOrderQuantity = 100000

var codePattern = regexp.MustCompile(`^SH\d{4}$`)

// NormalizeCode приводит код разблокировки к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCodeFormat проверяет формат кода разблокировки: SH и четыре цифры.
// Регистр не учитывается.
func IsValidCodeFormat(code string) bool {
	return codePattern.MatchString(NormalizeCode(code))
}

// QuantityCheck — результат проверки количества: жёсткая ошибка либо
// набор необязательных предупреждений.
type QuantityCheck struct {
	OK       bool
	Err      error
	Warnings []string
}

// ValidateQuantity проверяет количество кодов в заказе.
// Ошибки блокируют заказ, предупреждения носят рекомендательный характер.
func ValidateQuantity(quantity int) QuantityCheck {
	if quantity <= 0 {
		return QuantityCheck{Err: fmt.Errorf("quantity must be positive, got %d", quantity)}
	}
	if quantity > MaxOrderQuantity {
		return QuantityCheck{Err: fmt.Errorf("quantity exceeds maximum of %d", MaxOrderQuantity)}
	}

	var warnings []string
	if quantity >= 5000 {
		warnings = append(warnings, "large batch: generation may take a while")
	} else if quantity >= 1000 {
		warnings = append(warnings, "consider bulk pricing tiers for this volume")
	}

	return QuantityCheck{OK: true, Warnings: warnings}
}
