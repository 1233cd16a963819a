package dispatch

const (
	textHelp = `*💡 COMANDOS DISPONÍVEIS:*

*🛠️ Utilidade:*
!comandos (ou !help) - Esta lista.
!info - Informações do grupo/bot.
!mencionar [msg] - Marca todos os membros do grupo.
!admins - Marca apenas os administradores.

*🛡️ Administração (Apenas Admins):*
!banir - Remove usuário (responder mensagem).
!promover - Torna usuário admin (responder mensagem).
!rebaixar - Remove privilégios de admin (responder mensagem).
!mutar - Desativa o chat (apenas admins podem enviar).
!desmutar - Ativa o chat para todos.
!limpar - Apaga as mensagens recentes (bot deve ser Admin).

*⏰ Agendador (Apenas Dono):*
"às HH:MM faça [ação]" - Agenda uma ação automática.
!prompts - Lista as ações agendadas.
!prompt [texto] - Executa uma instrução agora.
!cancelar [id] - Remove uma ação agendada.`

	textDefaultMention = "Atenção, grupo!"
	textAdminsMention  = "✨ Atenção, administradores!"

	textNeedsTarget     = "🚨 Você deve *responder* à mensagem do usuário para executar este comando."
	textOwnerProtected  = "🚫 Não é possível executar ações no Dono do Bot."
	textAdminsOnly      = "🚫 Apenas administradores podem usar este comando."
	textOwnerOnly       = "🚫 Apenas o dono do bot pode usar este comando."
	textGroupOnly       = "⚠️ Este comando só pode ser usado em grupos."
	textCapabilityError = "❌ Falha na execução: O bot precisa de permissões de administrador no grupo."
	textGenericError    = "❌ Ocorreu um erro ao executar este comando."

	textRemoved  = "👋 Usuário removido."
	textPromoted = "👑 Usuário promovido a Admin."
	textDemoted  = "⬇️ Usuário rebaixado."
	textMuted    = "🔒 Chat ativado apenas para administradores."
	textUnmuted  = "🔓 Chat ativado para todos os membros."
	textPurged   = "✅ Limpeza de conversa concluída: %d de %d mensagens apagadas."

	textScheduled       = "✅ Prompt agendado! A ação será executada *%s* (Horário de %s).\nID: %s"
	textBadClock        = "⚠️ Horário inválido: %s. Use HH:MM entre 00:00 e 23:59."
	textScheduleFailed  = "❌ Não foi possível salvar o agendamento. Tente novamente."
	textNoScheduled     = "📭 Nenhuma ação agendada."
	textPromptUsage     = "Uso: !prompt [instrução]"
	textPromptFailed    = "❌ Não foi possível executar o prompt agora."
	textCancelUsage     = "Uso: !cancelar [id]"
	textCancelled       = "🗑️ Ação %s (%s) cancelada."
	textCancelNotFound  = "❓ Nenhuma ação encontrada com o id %s."
	textRegistryFailure = "❌ Não foi possível consultar os agendamentos agora."
)
