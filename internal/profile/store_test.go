package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

const validProfileJSON = `{
  "campaign_id": 7,
  "sender": {
    "name": "山田 太郎",
    "name_kana": "ヤマダ タロウ",
    "name_hiragana": "やまだ たろう",
    "position": "営業部長",
    "gender": "male",
    "email_1": "taro@example.co.jp",
    "postal_code_1": "100-0001",
    "address_1": "東京都",
    "address_2": "千代田区",
    "address_3": "1-1-1",
    "tel_1": "03-1234-5678"
  },
  "policy": {
    "max_daily_sends": 50,
    "send_days_of_week": [0, 1, 2, 3, 4],
    "send_start": "09:00",
    "send_end": "18:00",
    "subject": "ご挨拶",
    "body": "お世話になっております。"
  }
}`

func TestTransform_ValidJSON(t *testing.T) {
	p, err := NewStore().Transform([]byte(validProfileJSON))
	require.NoError(t, err)
	assert.Equal(t, 7, p.CampaignID)
	assert.Equal(t, "taro@example.co.jp", p.Sender.Email)
	require.NotNil(t, p.Policy.MaxDailySends)
	assert.Equal(t, 50, *p.Policy.MaxDailySends)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, p.Policy.SendDaysOfWeek)
}

func TestTransform_ValidYAML(t *testing.T) {
	y := `
campaign_id: 9
sender:
  name: Sato Hanako
  name_kana: サトウ ハナコ
  name_hiragana: さとう はなこ
  position: Manager
  gender: female
  email_1: hanako@example.co.jp
  postal_code_1: 530-0001
  address_1: Osaka
  address_2: Kita-ku
  address_3: 2-2-2
  tel_1: 06-1111-2222
policy:
  send_start: "10:00"
  send_end: "17:30"
`
	p, err := NewStore().Transform([]byte(y))
	require.NoError(t, err)
	assert.Equal(t, 9, p.CampaignID)
	assert.Nil(t, p.Policy.MaxDailySends)
}

func TestTransform_Invalid(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not yaml or json", ":\n  - ["},
		{"missing sender", `{"campaign_id": 1, "policy": {}}`},
		{"missing policy", `{"campaign_id": 1, "sender": {"name": "x"}}`},
		{
			"blank required sender field",
			`{"campaign_id": 1,
			  "sender": {"name": "", "name_kana": "k", "name_hiragana": "h",
			             "position": "p", "gender": "g", "email_1": "a@b.jp",
			             "postal_code_1": "1", "address_1": "a", "address_2": "b",
			             "address_3": "c", "tel_1": "1"},
			  "policy": {}}`,
		},
		{
			"bad time",
			`{"campaign_id": 1,
			  "sender": {"name": "n", "name_kana": "k", "name_hiragana": "h",
			             "position": "p", "gender": "g", "email_1": "a@b.jp",
			             "postal_code_1": "1", "address_1": "a", "address_2": "b",
			             "address_3": "c", "tel_1": "1"},
			  "policy": {"send_start": "25:99"}}`,
		},
		{
			"weekday out of range",
			`{"campaign_id": 1,
			  "sender": {"name": "n", "name_kana": "k", "name_hiragana": "h",
			             "position": "p", "gender": "g", "email_1": "a@b.jp",
			             "postal_code_1": "1", "address_1": "a", "address_2": "b",
			             "address_3": "c", "tel_1": "1"},
			  "policy": {"send_days_of_week": [0, 7]}}`,
		},
		{
			"non-positive max_daily_sends",
			`{"campaign_id": 1,
			  "sender": {"name": "n", "name_kana": "k", "name_hiragana": "h",
			             "position": "p", "gender": "g", "email_1": "a@b.jp",
			             "postal_code_1": "1", "address_1": "a", "address_2": "b",
			             "address_3": "c", "tel_1": "1"},
			  "policy": {"max_daily_sends": 0}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore().Transform([]byte(tt.blob))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidProfile)
		})
	}
}
