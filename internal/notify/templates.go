// templates.go — шаблоны писем о жизненном цикле членства.
package notify

import "fmt"

// Виды шаблонов.
const (
	KindFirstHostExpiration  = "first_host_expiration"
	KindSecondHostExpiration = "second_host_expiration"
	KindMemberExpiration     = "member_expiration"
	KindMembershipRevoked    = "membership_revoked"
	KindMembershipAdded      = "membership_added"
)

// Template — письмо, готовое к отправке почтовым сервисом.
type Template struct {
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// FirstHostExpiration — первое предупреждение хосту (за 14 дней).
func FirstHostExpiration(group, username string) Template {
	return Template{
		Kind:    KindFirstHostExpiration,
		Subject: fmt.Sprintf("[groups] Членство %s в группе %s истекает через 14 дней", username, group),
		Body: fmt.Sprintf("Членство пользователя %s в группе %s истекает через 14 дней. "+
			"Продлите его, если доступ ещё нужен.", username, group),
		Data: map[string]string{"group": group, "username": username},
	}
}

// SecondHostExpiration — второе предупреждение хосту (за 7 дней).
func SecondHostExpiration(group, username string) Template {
	return Template{
		Kind:    KindSecondHostExpiration,
		Subject: fmt.Sprintf("[groups] Членство %s в группе %s истекает через 7 дней", username, group),
		Body: fmt.Sprintf("Членство пользователя %s в группе %s истекает через 7 дней. "+
			"После истечения пользователь будет удалён из группы.", username, group),
		Data: map[string]string{"group": group, "username": username},
	}
}

// MemberExpiration — предупреждение самому участнику (за 7 дней).
func MemberExpiration(group string) Template {
	return Template{
		Kind:    KindMemberExpiration,
		Subject: fmt.Sprintf("[groups] Ваше членство в группе %s истекает через 7 дней", group),
		Body: fmt.Sprintf("Ваше членство в группе %s истекает через 7 дней. "+
			"Обратитесь к кураторам группы, если доступ ещё нужен.", group),
		Data: map[string]string{"group": group},
	}
}

// MembershipRevoked — уведомление участнику об удалении из группы.
func MembershipRevoked(group string) Template {
	return Template{
		Kind:    KindMembershipRevoked,
		Subject: fmt.Sprintf("[groups] Вы удалены из группы %s", group),
		Body:    fmt.Sprintf("Ваше членство в группе %s прекращено.", group),
		Data:    map[string]string{"group": group},
	}
}

// MembershipAdded — уведомление участнику о добавлении в группу.
func MembershipAdded(group string) Template {
	return Template{
		Kind:    KindMembershipAdded,
		Subject: fmt.Sprintf("[groups] Вы добавлены в группу %s", group),
		Body:    fmt.Sprintf("Вы стали участником группы %s.", group),
		Data:    map[string]string{"group": group},
	}
}
